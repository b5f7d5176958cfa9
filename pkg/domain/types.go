package domain

import (
	"time"
)

// VectorStoreKind selects the vector backend for a collection.
type VectorStoreKind string

const (
	VectorStoreQdrant   VectorStoreKind = "local"
	VectorStoreMongo    VectorStoreKind = "cloud"
	VectorStoreInMemory VectorStoreKind = "in-memory"
)

// CollectionStatus is the lifecycle state of a knowledge collection.
type CollectionStatus string

const (
	CollectionActive     CollectionStatus = "Active"
	CollectionProcessing CollectionStatus = "Processing"
	CollectionError      CollectionStatus = "Error"
	CollectionDeleted    CollectionStatus = "Deleted"
)

// Collection is a named knowledge base whose chunks share one vector-store
// namespace and one embedding model.
type Collection struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	DocumentCount  int              `json:"documentCount"`
	ChunkCount     int              `json:"chunkCount"`
	EmbeddingModel string           `json:"embeddingModel"`
	StoreKind      VectorStoreKind  `json:"vectorStoreKind"`
	Status         CollectionStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ProcessingStatus is the ingestion state of a document row.
type ProcessingStatus string

const (
	DocPending    ProcessingStatus = "Pending"
	DocProcessing ProcessingStatus = "Processing"
	DocComplete   ProcessingStatus = "Complete"
	DocError      ProcessingStatus = "Error"
)

// Document is one ingested source file inside a collection.
type Document struct {
	ID               string           `json:"id"`
	CollectionID     string           `json:"collectionId"`
	OriginalFileName string           `json:"originalFileName"`
	FileSize         int64            `json:"fileSize"`
	FileType         string           `json:"fileType"` // pdf, docx, md, txt
	ChunkCount       int              `json:"chunkCount"`
	Status           ProcessingStatus `json:"processingStatus"`
	StatusMessage    string           `json:"statusMessage,omitempty"`
	UploadedAt       time.Time        `json:"uploadedAt"`
	ProcessedAt      *time.Time       `json:"processedAt,omitempty"`
}

// Chunk is a contiguous text span emitted by the chunker. ChunkOrder is
// zero-based and dense within its document.
type Chunk struct {
	ID             string `json:"id"`
	CollectionID   string `json:"collectionId"`
	DocumentID     string `json:"documentId"`
	Text           string `json:"text"`
	ChunkOrder     int    `json:"chunkOrder"`
	TokenCount     int    `json:"tokenCount"`
	CharacterCount int    `json:"characterCount"`
	VectorStored   bool   `json:"vectorStored"`
}

// Conversation is a persisted chat session.
type Conversation struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId,omitempty"`
	Title       string    `json:"title,omitempty"`
	KnowledgeID *string   `json:"knowledgeId,omitempty"` // nil means no RAG
	Provider    string    `json:"provider"`
	ModelName   string    `json:"modelName"`
	Temperature float64   `json:"temperature"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	IsArchived  bool      `json:"isArchived"`
}

// Message is one turn entry in a conversation. MessageIndex is zero-based
// and gap-free per conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"` // user, assistant, system
	Content        string    `json:"content"`
	TokenCount     *int      `json:"tokenCount,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	MessageIndex   int       `json:"messageIndex"`
}

// SettingDataType declares how an AppSetting value string is interpreted.
type SettingDataType string

const (
	SettingString  SettingDataType = "String"
	SettingInteger SettingDataType = "Integer"
	SettingBoolean SettingDataType = "Boolean"
	SettingJSON    SettingDataType = "Json"
)

// AppSetting is a named configuration row; encrypted values hold secrets
// such as provider API keys.
type AppSetting struct {
	Name           string          `json:"name"`
	Value          *string         `json:"value,omitempty"`
	EncryptedValue []byte          `json:"-"`
	IsEncrypted    bool            `json:"isEncrypted"`
	Category       string          `json:"category"`
	DataType       SettingDataType `json:"dataType"`
	DefaultValue   *string         `json:"defaultValue,omitempty"`
}

// UsageMetric is written once per completed chat turn, success or failure.
type UsageMetric struct {
	ID               string    `json:"id"`
	ConversationID   *string   `json:"conversationId,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	ResponseTimeMs   int64     `json:"responseTimeMs"`
	Timestamp        time.Time `json:"timestamp"`
	Success          bool      `json:"success"`
	ErrorKind        string    `json:"errorKind,omitempty"`
}

// SearchHit is one vector search result.
type SearchHit struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
}

// VectorPoint is what the vector store holds per chunk.
type VectorPoint struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	Payload map[string]string `json:"payload,omitempty"`
}
