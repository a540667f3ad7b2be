package domain

import (
	"context"
)

// Indexer makes a medical record queryable
type Indexer interface {
	Index(ctx context.Context, doc Document) (QueryableIndex, error)
}

// QueryableIndex answers questions about one indexed document. Query decodes
// a structured answer into out, which must be a pointer.
type QueryableIndex interface {
	Query(ctx context.Context, question string, out interface{}) error
	Facts() map[string]interface{}
	Fingerprint() string
}

// Oracle answers a single leaf question against an indexed record. An error
// means the answer could not be determined; callers record it as unknown.
type Oracle interface {
	Answer(ctx context.Context, q Question, idx QueryableIndex) (OracleAnswer, error)
}

// GuidelineStore persists guideline trees keyed by procedure code
type GuidelineStore interface {
	// Get returns ErrNotFound when no tree is stored for the code
	Get(ctx context.Context, procedureCode string) (*GuidelineTree, error)
	// Put returns ErrAlreadyExists when overwrite is false and a tree exists
	Put(ctx context.Context, procedureCode string, tree *GuidelineTree, overwrite bool) (string, error)
}

// DecisionStore is an append-only log of pre-authorization decisions
type DecisionStore interface {
	Put(ctx context.Context, decision *PreAuthorizationDecision) (string, error)
	Get(ctx context.Context, id string) (*PreAuthorizationDecision, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetLLMConfig() *LLMConfig
	GetPipelineConfig() *PipelineConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
