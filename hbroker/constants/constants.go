package constants

const Version = "1.0.0"

// DefaultScriptTimeoutMillis bounds lookup script execution.
const DefaultScriptTimeoutMillis = 250

// DefaultRemoteTimeoutSeconds is used when a remote broker has no
// request timeout configured.
const DefaultRemoteTimeoutSeconds = 30

// DefaultTokenTTLSeconds is assumed when the STS response carries neither
// expires_in nor a JWT exp claim.
const DefaultTokenTTLSeconds = 300

// TokenRefreshMarginSeconds is subtracted from a token's lifetime so it is
// refreshed before the server-side expiry.
const TokenRefreshMarginSeconds = 30

// SequentialPadWidth is the minimum digit width of the sequential naming
// scheme. Counters past 9999 widen to five or more digits; values are never
// truncated.
const SequentialPadWidth = 4

// HashLength is the number of hex characters kept by the hash naming scheme.
const HashLength = 12

// MaxCollisionProbes caps suffix probing when a themed or hashed candidate
// collides with an existing different-input mapping.
const MaxCollisionProbes = 32

// DefaultUIDRoot prefixes hashed DICOM UIDs. 2.25 is the UUID-derived OID arc.
const DefaultUIDRoot = "2.25"

const TestAPIPort = 3000
