// Package persistence implements the single owner of the SQLite connection
// pool described in spec.md §4.6: a typed request/reply mailbox serializing
// all database access behind Create/Patch/ListActive/GetByID. Grounded on
// rakunlabs-at's internal/store/sqlite3 package — the only pack member with
// a real SQLite store; the teacher itself persists to flat files instead.
package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Provider selects which of the three per-provider tables a request targets.
type Provider int

const (
	ProviderGeminiCLI Provider = iota
	ProviderAntigravity
	ProviderCodex
)

// Status mirrors spec.md §3's credential status field.
type Status int

const (
	StatusActive Status = 1
	StatusBanned Status = 0
)

// Record is a full persisted row.
type Record struct {
	ID               int64
	Email            string
	Sub              string
	ProjectOrAccount string
	RefreshToken     string
	AccessToken      string
	Expiry           time.Time
	Status           Status
	ChatGPTPlanType  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateRecord is the upsert payload for spec.md §4.6's Create operation.
// When Sub is empty (Antigravity's 0-trust seed path), a stable sub is
// synthesized by hashing RefreshToken so the uniqueness constraint holds.
type CreateRecord struct {
	Email            string
	Sub              string
	ProjectOrAccount string
	RefreshToken     string
	AccessToken      string
	Expiry           time.Time
	ChatGPTPlanType  string
}

// PatchRecord applies COALESCE-style partial updates: zero-value fields
// leave the corresponding column untouched.
type PatchRecord struct {
	ID           int64
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

type request struct {
	fn func()
}

// Actor owns the *sql.DB and goqu builder; every exported method blocks the
// caller while posting a closure onto the actor's own mailbox, so all
// access to db is serialized through one goroutine regardless of how many
// provider actors call in concurrently.
type Actor struct {
	db   *sql.DB
	qb   *goqu.Database
	tbls map[Provider]string

	mailbox chan request
	log     *logrus.Entry
}

// Open connects to the SQLite database at dsn, enables WAL mode, and
// creates the three provider tables if absent. Call Run in its own
// goroutine before issuing requests.
func Open(ctx context.Context, dsn string, log *logrus.Logger) (*Actor, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("persistence: %s: %w", pragma, err)
		}
	}
	// SQLite is single-writer; the mailbox already serializes access, but
	// capping the pool keeps the driver from attempting concurrent writes
	// of its own accord.
	db.SetMaxOpenConns(1)

	tbls := map[Provider]string{
		ProviderGeminiCLI:   TableName(ProviderGeminiCLI),
		ProviderAntigravity: TableName(ProviderAntigravity),
		ProviderCodex:       TableName(ProviderCodex),
	}
	for _, table := range tbls {
		if _, err := db.ExecContext(ctx, ddlFor(table)); err != nil {
			db.Close()
			return nil, fmt.Errorf("persistence: create table %s: %w", table, err)
		}
	}

	return &Actor{
		db:      db,
		qb:      goqu.New("sqlite3", db),
		tbls:    tbls,
		mailbox: make(chan request, 1000),
		log:     log.WithField("component", "persistence"),
	}, nil
}

// Run drains the mailbox until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.db.Close()
			return
		case req := <-a.mailbox:
			req.fn()
		}
	}
}

func (a *Actor) call(fn func()) {
	done := make(chan struct{})
	a.mailbox <- request{fn: func() {
		fn()
		close(done)
	}}
	<-done
}

// Create implements spec.md §4.6 Create: upsert keyed on
// (sub, project_or_account), replacing mutable fields and setting
// status=active.
func (a *Actor) Create(p Provider, rec CreateRecord) (id int64, err error) {
	a.call(func() {
		sub := rec.Sub
		if sub == "" {
			sub = syntheticSub(rec.RefreshToken)
		}
		table := a.tbls[p]
		now := time.Now().UTC().Format(time.RFC3339)

		insertQuery, _, buildErr := a.qb.Insert(table).Rows(goqu.Record{
			"email":              rec.Email,
			"sub":                sub,
			"project_or_account": rec.ProjectOrAccount,
			"refresh_token":      rec.RefreshToken,
			"access_token":       rec.AccessToken,
			"expiry":             rec.Expiry.UTC().Format(time.RFC3339),
			"status":             int(StatusActive),
			"chatgpt_plan_type":  rec.ChatGPTPlanType,
			"created_at":         now,
			"updated_at":         now,
		}).OnConflict(goqu.DoUpdate("sub, project_or_account", goqu.Record{
			"email":             rec.Email,
			"refresh_token":     rec.RefreshToken,
			"access_token":      rec.AccessToken,
			"expiry":            rec.Expiry.UTC().Format(time.RFC3339),
			"status":            int(StatusActive),
			"chatgpt_plan_type": rec.ChatGPTPlanType,
			"updated_at":        now,
		})).ToSQL()
		if buildErr != nil {
			err = fmt.Errorf("persistence: build upsert: %w", buildErr)
			return
		}
		if _, execErr := a.db.Exec(insertQuery); execErr != nil {
			err = fmt.Errorf("persistence: upsert %s: %w", table, execErr)
			return
		}

		selectQuery, _, buildErr := a.qb.From(table).
			Select("id").
			Where(goqu.Ex{"sub": sub, "project_or_account": rec.ProjectOrAccount}).
			ToSQL()
		if buildErr != nil {
			err = fmt.Errorf("persistence: build id lookup: %w", buildErr)
			return
		}
		if scanErr := a.db.QueryRow(selectQuery).Scan(&id); scanErr != nil {
			err = fmt.Errorf("persistence: read upserted id: %w", scanErr)
		}
	})
	return id, err
}

// Patch implements spec.md §4.6 Patch: COALESCE semantics so zero-value
// fields in p leave the corresponding column untouched.
func (a *Actor) Patch(provider Provider, p PatchRecord) error {
	var outErr error
	a.call(func() {
		table := a.tbls[provider]
		set := goqu.Record{"updated_at": time.Now().UTC().Format(time.RFC3339)}
		if p.AccessToken != "" {
			set["access_token"] = p.AccessToken
		}
		if p.RefreshToken != "" {
			set["refresh_token"] = p.RefreshToken
		}
		if !p.Expiry.IsZero() {
			set["expiry"] = p.Expiry.UTC().Format(time.RFC3339)
		}
		query, _, err := a.qb.Update(table).Set(set).Where(goqu.Ex{"id": p.ID}).ToSQL()
		if err != nil {
			outErr = fmt.Errorf("persistence: build patch: %w", err)
			return
		}
		if _, err := a.db.Exec(query); err != nil {
			outErr = fmt.Errorf("persistence: patch %s id=%d: %w", table, p.ID, err)
		}
	})
	return outErr
}

// SetInactive implements the ban/permanent-failure path: status=0, the row
// is kept for audit but never listed active again.
func (a *Actor) SetInactive(provider Provider, id int64) error {
	var outErr error
	a.call(func() {
		table := a.tbls[provider]
		query, _, err := a.qb.Update(table).
			Set(goqu.Record{"status": int(StatusBanned), "updated_at": time.Now().UTC().Format(time.RFC3339)}).
			Where(goqu.Ex{"id": id}).
			ToSQL()
		if err != nil {
			outErr = fmt.Errorf("persistence: build set-inactive: %w", err)
			return
		}
		if _, err := a.db.Exec(query); err != nil {
			outErr = fmt.Errorf("persistence: set inactive %s id=%d: %w", table, id, err)
		}
	})
	return outErr
}

// ListActive implements spec.md §4.6 ListActive{Provider}: returns every
// row with status=active, used to seed the Scheduler at startup.
func (a *Actor) ListActive(provider Provider) ([]Record, error) {
	var (
		out    []Record
		outErr error
	)
	a.call(func() {
		table := a.tbls[provider]
		query, _, err := a.qb.From(table).
			Select("id", "email", "sub", "project_or_account", "refresh_token", "access_token", "expiry", "status", "chatgpt_plan_type", "created_at", "updated_at").
			Where(goqu.Ex{"status": int(StatusActive)}).
			ToSQL()
		if err != nil {
			outErr = fmt.Errorf("persistence: build list-active: %w", err)
			return
		}
		rows, err := a.db.Query(query)
		if err != nil {
			outErr = fmt.Errorf("persistence: list active %s: %w", table, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				outErr = err
				return
			}
			out = append(out, rec)
		}
		outErr = rows.Err()
	})
	return out, outErr
}

// GetByID implements spec.md §4.6 GetById.
func (a *Actor) GetByID(provider Provider, id int64) (*Record, error) {
	var (
		out    *Record
		outErr error
	)
	a.call(func() {
		table := a.tbls[provider]
		query, _, err := a.qb.From(table).
			Select("id", "email", "sub", "project_or_account", "refresh_token", "access_token", "expiry", "status", "chatgpt_plan_type", "created_at", "updated_at").
			Where(goqu.Ex{"id": id}).
			ToSQL()
		if err != nil {
			outErr = fmt.Errorf("persistence: build get-by-id: %w", err)
			return
		}
		row := a.db.QueryRow(query)
		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		if err != nil {
			outErr = err
			return
		}
		out = &rec
	})
	return out, outErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                      Record
		expiryStr, created, upd  string
		email, accessTok, plan   sql.NullString
		status                   int
	)
	if err := row.Scan(&rec.ID, &email, &rec.Sub, &rec.ProjectOrAccount, &rec.RefreshToken, &accessTok, &expiryStr, &status, &plan, &created, &upd); err != nil {
		return Record{}, err
	}
	rec.Email = email.String
	rec.AccessToken = accessTok.String
	rec.ChatGPTPlanType = plan.String
	rec.Status = Status(status)
	rec.Expiry, _ = time.Parse(time.RFC3339, expiryStr)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return rec, nil
}

// syntheticSub hashes a refresh token into a stable identity key for
// providers whose 0-trust seed path never yields a sub claim.
func syntheticSub(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return "seed-" + hex.EncodeToString(sum[:16])
}
