package store

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	municipality TEXT NOT NULL,
	platform TEXT NOT NULL,
	base_url TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	config TEXT,
	last_success_at TEXT,
	last_attempt_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(municipality, base_url)
);
CREATE INDEX IF NOT EXISTS idx_sources_enabled ON sources(enabled);

CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	external_id TEXT NOT NULL,
	doc_type TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	meeting_date TEXT,
	published_at TEXT,
	source_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'new',
	content_hash TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_failure TEXT NOT NULL DEFAULT '',
	triage_score REAL,
	triage_categories TEXT,
	triage_reason TEXT NOT NULL DEFAULT '',
	discovered_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(source_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_status_score ON documents(status, triage_score);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	bytes INTEGER NOT NULL DEFAULT 0,
	storage_path TEXT NOT NULL DEFAULT '',
	text_status TEXT NOT NULL DEFAULT 'pending',
	text_content TEXT NOT NULL DEFAULT '',
	fetched_at TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_document ON files(document_id);
CREATE INDEX IF NOT EXISTS idx_files_text_status ON files(text_status);

CREATE TABLE IF NOT EXISTS cases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	primary_category TEXT NOT NULL,
	headline TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'unknown',
	confidence TEXT NOT NULL DEFAULT 'medium',
	confidence_reason TEXT NOT NULL DEFAULT '',
	municipalities TEXT NOT NULL DEFAULT '[]',
	entities TEXT NOT NULL DEFAULT '[]',
	locations TEXT NOT NULL DEFAULT '[]',
	first_seen_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_category ON cases(primary_category);

CREATE TABLE IF NOT EXISTS case_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	event_time TEXT,
	payload TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(case_id, event_time);

CREATE TABLE IF NOT EXISTS evidence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	file_id INTEGER REFERENCES files(id),
	document_id INTEGER NOT NULL REFERENCES documents(id),
	page INTEGER NOT NULL DEFAULT 0,
	snippet TEXT NOT NULL,
	source_url TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_case ON evidence(case_id);
CREATE INDEX IF NOT EXISTS idx_evidence_document ON evidence(document_id);

CREATE TABLE IF NOT EXISTS llm_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL,
	stage TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost_eur REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_usage_created ON llm_usage(created_at);
`
