package constraints

type Action int32

const (
	DELETE Action = 0
	PUT    Action = 1
)

// Stored trait value types. The strings are persisted in traits.value_type.
const (
	TypeString  = "unicode"
	TypeInteger = "int"
	TypeFloat   = "float"
	TypeBool    = "bool"
)

// KeyKind tells a client-side environment key apart from a server-side one.
type KeyKind string

const (
	KeyKindClient KeyKind = "client"
	KeyKindServer KeyKind = "server"
)

const (
	HeaderEnvironmentKey = "X-Environment-Key"
	HeaderTraceID        = "X-Trace-ID"
	HeaderContentType    = "Content-Type"
)

// Edge paths, relative to the configured edge API URL.
const (
	EdgePathTraits     = "traits/"
	EdgePathBulkTraits = "traits/bulk/"
)
