package metastore

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	document_count INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	embedding_model TEXT NOT NULL,
	vector_store_kind TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	original_file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	file_type TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	processing_status TEXT NOT NULL,
	status_message TEXT,
	uploaded_at DATETIME NOT NULL,
	processed_at DATETIME
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	chunk_text TEXT NOT NULL,
	chunk_order INTEGER NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	character_count INTEGER NOT NULL DEFAULT 0,
	vector_stored INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	client_id TEXT,
	title TEXT,
	knowledge_id TEXT,
	provider TEXT NOT NULL,
	model_name TEXT NOT NULL,
	temperature REAL NOT NULL DEFAULT 0.7,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	is_archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	token_count INTEGER,
	timestamp DATETIME NOT NULL,
	message_index INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
	name TEXT PRIMARY KEY,
	value TEXT,
	encrypted_value BLOB,
	is_encrypted INTEGER NOT NULL DEFAULT 0,
	category TEXT NOT NULL DEFAULT 'General',
	data_type TEXT NOT NULL DEFAULT 'String',
	default_value TEXT
);

CREATE TABLE IF NOT EXISTS usage_metrics (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL,
	success INTEGER NOT NULL DEFAULT 1,
	error_kind TEXT
);

CREATE TABLE IF NOT EXISTS provider_accounts (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL UNIQUE,
	base_url TEXT,
	api_key_encrypted BLOB,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, chunk_order);
CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, message_index);
CREATE INDEX IF NOT EXISTS idx_metrics_provider ON usage_metrics(provider, model);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON usage_metrics(timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_conversation ON usage_metrics(conversation_id);
`

// seedSettings inserts defaults for any setting row not already present.
func (s *Store) seedSettings() error {
	type seed struct {
		name, value, category, dataType string
	}
	seeds := []seed{
		{"ChunkCharacterLimit", "1000", "Ingestion", "Integer"},
		{"ChunkOverlap", "200", "Ingestion", "Integer"},
		{"MaxCodeFenceSize", "4096", "Ingestion", "Integer"},
		{"TokenizerEncoding", "cl100k_base", "Ingestion", "String"},
		{"SystemPrompt", defaultSystemPrompt, "Chat", "String"},
		{"SystemPromptWithCoding", defaultCodingPrompt, "Chat", "String"},
		{"Temperature", "0.7", "Chat", "String"},
		{"ChatMaxTurns", "10", "Chat", "Integer"},
		{"AgentMaxIterations", "5", "Chat", "Integer"},
		{"Retrieval.K", "8", "Retrieval", "Integer"},
		{"Retrieval.MinScore", "0.6", "Retrieval", "String"},
		{"Retrieval.ContextDelimiter", "\n---\n", "Retrieval", "String"},
		{"UsageCacheTTLSeconds", "30", "Analytics", "Integer"},
		{"RealtimeMaxQueue", "256", "Analytics", "Integer"},
	}
	for _, sd := range seeds {
		_, err := s.db.Exec(`
			INSERT INTO app_settings (name, value, is_encrypted, category, data_type, default_value)
			VALUES (?, ?, 0, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING`,
			sd.name, sd.value, sd.category, sd.dataType, sd.value)
		if err != nil {
			return err
		}
	}
	return nil
}

const defaultSystemPrompt = `You are a helpful assistant. Answer using the provided context when it is relevant. If the context does not contain the answer, say so instead of guessing.`

const defaultCodingPrompt = `You are a helpful assistant with strong software engineering expertise. Answer using the provided context when it is relevant, include code examples where they help, and keep code inside fenced blocks. If the context does not contain the answer, say so instead of guessing.`
