package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonEngineConnect ReasonCode = "engine_connect"
	ReasonEngineSend    ReasonCode = "engine_send"
	ReasonEngineClosed  ReasonCode = "engine_closed"
	ReasonEngineEvent   ReasonCode = "engine_event"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSEmpty       ReasonCode = "tts_empty"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"
	ReasonTranscode      ReasonCode = "transcode"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportClosed           ReasonCode = "transport_closed"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)

// Component names the part of a call that a reason belongs to: engine,
// tts, transcode, transport, config or unknown.
func (r ReasonCode) Component() string {
	switch r {
	case ReasonEngineConnect, ReasonEngineSend, ReasonEngineClosed, ReasonEngineEvent:
		return "engine"
	case ReasonTTSConnect, ReasonTTSEmpty, ReasonTTSRateLimit, ReasonTTSCircuitOpen:
		return "tts"
	case ReasonTranscode:
		return "transcode"
	case ReasonTransportInvalidSignature, ReasonTransportSend, ReasonTransportClosed:
		return "transport"
	case ReasonConfigInvalid:
		return "config"
	default:
		return "unknown"
	}
}

// SynthesisFault reports whether err blames the speech vendor itself.
// An open circuit is not a new fault.
func SynthesisFault(err error) bool {
	r := Reason(err)
	return r.Component() == "tts" && r != ReasonTTSCircuitOpen
}
