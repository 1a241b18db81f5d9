package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// encodingVersion is the first byte of every canonical encoding. Any change
// to the field order, framing, or value set bumps this byte, so encodings
// produced under different protocol versions can never collide.
const encodingVersion byte = 0x01

// Presence markers for optional fields. An absent field encodes as a single
// 0x00 byte; a present field encodes as 0x01 followed by the value.
const (
	markerAbsent  byte = 0x00
	markerPresent byte = 0x01
)

// payloadEnc is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. The same logical payload always produces
// identical bytes, which is what makes it usable as hash input.
var payloadEnc cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ledger: CBOR encoder initialization failed: " + err.Error())
	}
	payloadEnc = mode
}

// canonicalBytes serializes every hashed field of an entry (everything
// except Hash itself) into the fixed byte sequence used as hash input.
//
// Layout, in protocol field order:
//
//	version(1) | seq(8 BE) | ts_unix_ms(8 BE) |
//	actor? | action | resource_type | resource_id? | resource_name? |
//	source_addr? | payload?
//
// Strings are length-prefixed (4-byte BE) UTF-8, byte-exact — no case or
// whitespace normalization. Fields marked ? carry a presence byte, so an
// absent field and an empty string encode differently. The payload is
// deterministic CBOR, length-prefixed like a string.
//
// PrevHash is deliberately not part of this encoding: the chain hasher
// appends it as a separate operand (see chainHash), keeping the link input
// explicit in the hash formula.
func canonicalBytes(e *Entry) ([]byte, error) {
	buf := make([]byte, 0, 128)
	buf = append(buf, encodingVersion)
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp.UnixMilli()))
	buf = appendOptString(buf, e.Actor)
	buf = appendString(buf, string(e.Action))
	buf = appendString(buf, e.ResourceType)
	buf = appendOptString(buf, e.ResourceID)
	buf = appendOptString(buf, e.ResourceName)
	buf = appendOptString(buf, e.SourceAddress)

	if e.Payload == nil {
		return append(buf, markerAbsent), nil
	}
	payload, err := payloadEnc.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	buf = append(buf, markerPresent)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendOptString(buf []byte, s *string) []byte {
	if s == nil {
		return append(buf, markerAbsent)
	}
	return appendString(append(buf, markerPresent), *s)
}

// normalizePayload walks a payload value tree and returns a copy holding
// only the closed, deterministically encodable value set: nil, bool,
// string, int64, uint64, []any, and map[string]any with string keys.
// json.Number values are folded to integers.
//
// Floating point is rejected outright: its platform- and formatting-
// dependent representations have no place in hash input.
func normalizePayload(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, int64, uint64:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return uint64(val), nil
	case uint8:
		return uint64(val), nil
	case uint16:
		return uint64(val), nil
	case uint32:
		return uint64(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(val.String(), 10, 64); err == nil {
			return u, nil
		}
		return nil, fmt.Errorf("non-integer number %q not allowed in hashed payload", val.String())
	case float32, float64:
		return nil, fmt.Errorf("floating point value %v not allowed in hashed payload", val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			norm, err := normalizePayload(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = norm
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		// Deterministic error selection: report the lexically first
		// offending key rather than whichever map iteration finds.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			norm, err := normalizePayload(val[k])
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			out[k] = norm
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T not allowed in hashed payload", v)
	}
}

// ParsePayload decodes a JSON payload document into the ledger's normalized
// payload form. Integers survive as integers (json.Number, not float64), so
// an entry read back from storage or an export canonically encodes to the
// exact bytes it was hashed with.
func ParsePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing payload JSON: %w", err)
	}
	norm, err := normalizePayload(raw)
	if err != nil {
		return nil, err
	}
	return norm.(map[string]any), nil
}
