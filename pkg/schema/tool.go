package schema

// ToolClass selects the executor a tool dispatches to.
type ToolClass string

const (
	ClassMarketData ToolClass = "market_data"
	ClassSQLQuery   ToolClass = "sql_query"
	ClassKnowledge  ToolClass = "knowledge_search"
	ClassHTTP       ToolClass = "http_request"
)

// ToolClasses lists every supported class.
var ToolClasses = []ToolClass{ClassMarketData, ClassSQLQuery, ClassKnowledge, ClassHTTP}

// ToolRegistryFile is the on-disk tools.yaml document.
type ToolRegistryFile struct {
	Tools []ToolDefinition `yaml:"tools" json:"tools"`
}

// ToolDefinition is one registered tool.
type ToolDefinition struct {
	ID          string     `yaml:"id" json:"id"`
	Class       ToolClass  `yaml:"class" json:"class" jsonschema:"enum=market_data,enum=sql_query,enum=knowledge_search,enum=http_request"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Active      *bool      `yaml:"active,omitempty" json:"active,omitempty"`
	Config      ToolConfig `yaml:"config,omitempty" json:"config,omitempty"`
}

// IsActive reports whether the tool may be invoked. Tools are active unless
// explicitly disabled.
func (d *ToolDefinition) IsActive() bool {
	return d.Active == nil || *d.Active
}

// ToolConfig carries the class-specific settings. Only the fields relevant to
// the tool's class are read.
type ToolConfig struct {
	// market_data, http_request
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// sql_query
	Driver  string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	MaxRows int    `yaml:"max_rows,omitempty" json:"max_rows,omitempty" jsonschema:"minimum=0"`

	// knowledge_search
	Base          string  `yaml:"base,omitempty" json:"base,omitempty"`
	TopK          int     `yaml:"top_k,omitempty" json:"top_k,omitempty" jsonschema:"minimum=0"`
	MaxDistance   float64 `yaml:"max_distance,omitempty" json:"max_distance,omitempty" jsonschema:"minimum=0"`
	MaxEntryChars int     `yaml:"max_entry_chars,omitempty" json:"max_entry_chars,omitempty" jsonschema:"minimum=0"`

	// http_request
	Method   string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout  string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Select   string            `yaml:"select,omitempty" json:"select,omitempty"`
	MaxBytes int               `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty" jsonschema:"minimum=0"`
}
