package event

// Payload keys understood by the collector.
const (
	KeyEvent           = "e"
	KeyEventID         = "eid"
	KeyDeviceTimestamp = "dtm"
	KeyTrueTimestamp   = "ttm"
	KeySentTimestamp   = "stm"
	KeyTrackerVersion  = "tv"
	KeyAppID           = "aid"
	KeyNamespace       = "tna"
	KeyPlatform        = "p"
	KeyUnstructured    = "ue_pr"
	KeyUnstructuredB64 = "ue_px"
	KeyContexts        = "co"
	KeyContextsB64     = "cx"
)

// EventUnstructured is the KeyEvent value of self-describing events.
const EventUnstructured = "ue"

const (
	// TrackerVersion is sent with every payload under KeyTrackerVersion.
	TrackerVersion = "pulse-go-1.0.0"

	// DefaultPlatform is the platform code used when none is configured.
	DefaultPlatform = "srv"

	// AnonymousUserID replaces user identifiers while anonymisation is active.
	AnonymousUserID = "00000000-0000-0000-0000-000000000000"

	// WildcardSchema subscribes a state machine to every event.
	WildcardSchema = "*"
)

// Iglu schema URIs for the envelopes and entities this pipeline produces.
const (
	SchemaPayloadData  = "iglu:com.snowplowanalytics.snowplow/payload_data/jsonschema/1-0-4"
	SchemaContexts     = "iglu:com.snowplowanalytics.snowplow/contexts/jsonschema/1-0-1"
	SchemaUnstructured = "iglu:com.snowplowanalytics.snowplow/unstruct_event/jsonschema/1-0-0"
	SchemaSession      = "iglu:com.snowplowanalytics.snowplow/client_session/jsonschema/1-0-2"
	SchemaScreenView   = "iglu:com.snowplowanalytics.mobile/screen_view/jsonschema/1-0-0"
	SchemaScreen       = "iglu:com.snowplowanalytics.mobile/screen/jsonschema/1-0-0"
	SchemaForeground   = "iglu:com.snowplowanalytics.snowplow/application_foreground/jsonschema/1-0-0"
	SchemaBackground   = "iglu:com.snowplowanalytics.snowplow/application_background/jsonschema/1-0-0"
	SchemaLifecycle    = "iglu:com.snowplowanalytics.mobile/application_lifecycle/jsonschema/1-0-0"
)
