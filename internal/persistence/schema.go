package persistence

import "fmt"

// TableName returns the table backing provider p (spec.md §6.3: one table
// per provider, same column layout).
func TableName(p Provider) string {
	switch p {
	case ProviderGeminiCLI:
		return "gemini_cli"
	case ProviderAntigravity:
		return "antigravity"
	case ProviderCodex:
		return "codex"
	default:
		return ""
	}
}

const createTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT,
	sub TEXT NOT NULL,
	project_or_account TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	access_token TEXT,
	expiry TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 1,
	chatgpt_plan_type TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(sub, project_or_account)
);
CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);
`

// ddlFor renders the CREATE TABLE + index statements for table.
func ddlFor(table string) string {
	return fmt.Sprintf(createTableDDL, table, table, table)
}
