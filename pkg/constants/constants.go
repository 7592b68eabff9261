package constants

// Table names
const (
	TABLE_SUBJECTS         = "subjects"
	TABLE_CALL_RECORDS     = "call_records"
	TABLE_TRANSCRIPT_TURNS = "transcript_turns"
	TABLE_SUBMISSIONS      = "submissions"
)

// Redis key prefixes
const (
	SESSION_KEY_PREFIX = "session:"
	HANDOFF_KEY_PREFIX = "handoff:"
)

// Languages supported by the dialog scripts
const (
	LANG_EN = "en"
	LANG_ES = "es"
)

const (
	ENV_DEVELOPMENT = "development"
	ENV_TEST        = "test"
	ENV_PRODUCTION  = "production"
)
