package store

import "time"

// ChunkKind tells code chunks from documentation chunks.
type ChunkKind string

const (
	KindCode ChunkKind = "code"
	KindDoc  ChunkKind = "doc"
)

// ByteRange is a half-open [Start, End) span of the source file.
type ByteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Chunk is the smallest indexed unit of file content.
type Chunk struct {
	ID        string    `json:"chunk_id"`
	FilePath  string    `json:"file_path"`
	Range     ByteRange `json:"byte_range"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Kind      ChunkKind `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Language  string    `json:"language,omitempty"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`
	Embedding []float32 `json:"-"`
}

// ChunkInfo is a chunk without its content, for listings.
type ChunkInfo struct {
	ID           string    `json:"chunk_id"`
	FilePath     string    `json:"file_path"`
	StartLine    int       `json:"start_line"`
	EndLine      int       `json:"end_line"`
	Kind         ChunkKind `json:"kind"`
	Name         string    `json:"name,omitempty"`
	Language     string    `json:"language,omitempty"`
	HasSummary   bool      `json:"has_summary"`
	HasEmbedding bool      `json:"has_embedding"`
}

// FileMetadata is one row per indexed file.
type FileMetadata struct {
	Path      string    `json:"path"`
	Mtime     time.Time `json:"mtime"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	Language  string    `json:"language,omitempty"`
	ChunkIDs  []string  `json:"chunk_ids"`
	IndexedAt time.Time `json:"indexed_at"`
}

// ModuleSummary aggregates the files of one directory. It is derived data.
type ModuleSummary struct {
	ModulePath       string    `json:"module_path"`
	FileCount        int       `json:"file_count"`
	AggregateSummary string    `json:"aggregate_summary"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ModuleInput is what the summary builder needs to know about a module.
type ModuleInput struct {
	ModulePath string
	Files      []string
	// Notes are the non-empty chunk summaries and purposes of the module,
	// in file then byte order.
	Notes []string
}

// SearchHit is a chunk with its cosine similarity to the query.
type SearchHit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Stats summarises the store for the overview and the status endpoint.
type Stats struct {
	Files          int       `json:"files"`
	Chunks         int       `json:"chunks"`
	EmbeddedChunks int       `json:"embedded_chunks"`
	EnrichedChunks int       `json:"enriched_chunks"`
	Modules        int       `json:"modules"`
	LastIndexedAt  time.Time `json:"last_indexed_at,omitzero"`
}
