package registration

import (
	"encoding/json"

	"github.com/sifworks/broker-go/environment"
)

// Codec is the narrow slice of the wire format the registration protocol
// needs. The full serialization layer is owned by the embedding
// application; this interface exists so the protocol logic stays agnostic
// to whether environments travel as JSON, XML, or anything else.
type Codec interface {
	// ContentType is the media type sent and accepted on negotiation calls.
	ContentType() string

	// EncodeEnvironment renders an environment template for the POST body.
	EncodeEnvironment(env *environment.Environment) ([]byte, error)

	// DecodeEnvironment parses a broker response into an Environment.
	DecodeEnvironment(data []byte) (*environment.Environment, error)

	// ExtractSessionInfo scavenges the session token and environment URL
	// out of a raw response that may not have decoded cleanly. It is used
	// for best-effort teardown of a provisioned environment after a local
	// failure; empty strings mean the field could not be recovered.
	ExtractSessionInfo(raw []byte) (sessionToken, environmentURL string)
}

// JSONCodec is the default Codec, speaking the broker's JSON environment
// document.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) EncodeEnvironment(env *environment.Environment) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) DecodeEnvironment(data []byte) (*environment.Environment, error) {
	var env environment.Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (JSONCodec) ExtractSessionInfo(raw []byte) (string, string) {
	// Deliberately lenient: pull just the two fields out of whatever part
	// of the document survives.
	var doc struct {
		SessionToken           string            `json:"sessionToken"`
		InfrastructureServices map[string]string `json:"infrastructureServices"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", ""
	}
	return doc.SessionToken, doc.InfrastructureServices[environment.InfrastructureServiceEnvironment]
}
