package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Envelope is the serialized form of a scheduled command. The store never
// looks inside Data; Type selects the decoder at dispatch time.
type Envelope struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// Validate checks the envelope carries a type tag.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return errors.New("payload type tag is empty")
	}
	return nil
}

// MarshalBinary encodes the envelope for persistence.
func (e Envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary decodes a persisted envelope.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	*e = env
	return nil
}

// EncodeJSON serializes v as JSON under the given type tag.
func EncodeJSON(typeTag string, v any) (Envelope, error) {
	if typeTag == "" {
		return Envelope{}, errors.New("payload type tag is empty")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typeTag, err)
	}
	return Envelope{Type: typeTag, Data: data}, nil
}

// DecodeFunc turns envelope bytes back into a command value.
type DecodeFunc func(data []byte) (any, error)

// Registry maps type tags to decoders. Decoding is a lookup plus a call;
// nothing embedded in the payload selects the Go type.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register binds a decoder to a type tag. Re-registering a tag replaces it.
func (r *Registry) Register(typeTag string, decode DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typeTag] = decode
}

// Known reports whether a decoder is registered for typeTag.
func (r *Registry) Known(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[typeTag]
	return ok
}

// Decode resolves env into its command value. Unknown tags and decoder
// failures are reported as ErrDeserializationFailed.
func (r *Registry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload type %q", ErrDeserializationFailed, env.Type)
	}

	cmd, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload type %q: %v", ErrDeserializationFailed, env.Type, err)
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: payload type %q decoded to nil", ErrDeserializationFailed, env.Type)
	}
	return cmd, nil
}

// RegisterJSON registers a JSON decoder producing *T for typeTag.
func RegisterJSON[T any](r *Registry, typeTag string) {
	r.Register(typeTag, func(data []byte) (any, error) {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// RawJSON is the fallback command type for hosts that forward payloads
// without knowing their shape.
type RawJSON = json.RawMessage

// RegisterRaw registers a decoder that passes the JSON bytes through untouched.
func RegisterRaw(r *Registry, typeTag string) {
	r.Register(typeTag, func(data []byte) (any, error) {
		if !json.Valid(data) {
			return nil, errors.New("payload is not valid JSON")
		}
		return RawJSON(append([]byte(nil), data...)), nil
	})
}
