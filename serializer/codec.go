package serializer

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/slapcommerce/core/coreerr"
)

// zstdMagic is the leading byte sequence of every zstd frame. A plain
// msgpack envelope always opens with a fixarray/array16/array32 header byte
// (0x9x/0xdc/0xdd), which can never collide with it, so the magic alone is
// enough to tell a compressed blob from an uncompressed one on read.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// envelope is the wire shape: [typeTag, schemaVersion, stateArray].
type envelope struct {
	_msgpack struct{} `msgpack:",asArray"`
	TypeTag  string
	Version  int
	State    []any
}

// Codec encodes/decodes registered types to/from the compact binary form
// described in spec.md §4.1.
type Codec struct {
	registry              *Registry
	aead                  *chacha20poly1305AEAD
	compressionThreshold  int
	encoder               *zstd.Encoder
	decoder               *zstd.Decoder
}

// NewCodec builds a Codec. encryptionKey must be exactly 32 bytes (a
// ChaCha20-Poly1305 key) — callers missing a key at encryption time should
// fail fast per the design notes, so NewCodec validates it up front rather
// than at first use.
func NewCodec(registry *Registry, encryptionKey []byte, compressionThreshold int) (*Codec, error) {
	aead, err := newChacha20poly1305AEAD(encryptionKey)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	if compressionThreshold <= 0 {
		compressionThreshold = 4096
	}

	return &Codec{
		registry:             registry,
		aead:                 aead,
		compressionThreshold: compressionThreshold,
		encoder:              enc,
		decoder:              dec,
	}, nil
}

// Encode serializes fields (in the order registered for typeTag) into the
// wire envelope, encrypting the fields marked Encrypted in the registry and
// compressing the final blob when it exceeds the configured threshold.
func (c *Codec) Encode(typeTag string, fields []any) ([]byte, error) {
	desc, err := c.registry.Lookup(typeTag)
	if err != nil {
		return nil, err
	}

	if len(fields) != len(desc.Fields) {
		return nil, coreerr.SchemaError{
			TypeTag: typeTag,
			Reason:  fmt.Sprintf("expected %d fields, got %d", len(desc.Fields), len(fields)),
		}
	}

	state := make([]any, len(fields))

	for i, f := range fields {
		if !desc.isEncrypted(i) {
			state[i] = f
			continue
		}

		plain, err := msgpack.Marshal(f)
		if err != nil {
			return nil, coreerr.SchemaError{TypeTag: typeTag, Reason: fmt.Sprintf("field %s: %v", desc.Fields[i], err)}
		}

		cipher, err := c.aead.seal(plain)
		if err != nil {
			return nil, coreerr.IntegrityError{TypeTag: typeTag, Field: desc.Fields[i], Err: err}
		}

		state[i] = cipher
	}

	env := envelope{TypeTag: typeTag, Version: desc.SchemaVersion, State: state}

	raw, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, coreerr.SchemaError{TypeTag: typeTag, Reason: err.Error()}
	}

	if len(raw) <= c.compressionThreshold {
		return raw, nil
	}

	return c.encoder.EncodeAll(raw, nil), nil
}

// Decode reverses Encode, transparently decompressing and decrypting, and
// invokes the registered Construct hook to rebuild the typed value.
func (c *Codec) Decode(blob []byte) (any, error) {
	raw := blob

	if bytes.HasPrefix(blob, zstdMagic) {
		decoded, err := c.decoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, coreerr.SchemaError{Reason: fmt.Sprintf("decompression failed: %v", err)}
		}

		raw = decoded
	}

	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, coreerr.SchemaError{Reason: fmt.Sprintf("envelope decode failed: %v", err)}
	}

	desc, err := c.registry.Lookup(env.TypeTag)
	if err != nil {
		return nil, err
	}

	if len(env.State) != len(desc.Fields) {
		return nil, coreerr.SchemaError{
			TypeTag: env.TypeTag,
			Reason:  fmt.Sprintf("expected %d fields, got %d", len(desc.Fields), len(env.State)),
		}
	}

	fields := make([]any, len(env.State))

	for i, v := range env.State {
		if !desc.isEncrypted(i) {
			fields[i] = v
			continue
		}

		cipher, ok := v.([]byte)
		if !ok {
			return nil, coreerr.IntegrityError{TypeTag: env.TypeTag, Field: desc.Fields[i], Err: fmt.Errorf("encrypted field is not bytes")}
		}

		plain, err := c.aead.open(cipher)
		if err != nil {
			return nil, coreerr.IntegrityError{TypeTag: env.TypeTag, Field: desc.Fields[i], Err: err}
		}

		var decoded any
		if err := msgpack.Unmarshal(plain, &decoded); err != nil {
			return nil, coreerr.IntegrityError{TypeTag: env.TypeTag, Field: desc.Fields[i], Err: err}
		}

		fields[i] = decoded
	}

	return desc.Construct(fields)
}

// chacha20poly1305AEAD wraps process-wide authenticated symmetric
// encryption for per-field ciphertext.
type chacha20poly1305AEAD struct {
	key []byte
}

func newChacha20poly1305AEAD(key []byte) (*chacha20poly1305AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("serializer: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	return &chacha20poly1305AEAD{key: key}, nil
}

func (a *chacha20poly1305AEAD) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (a *chacha20poly1305AEAD) open(cipher []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.key)
	if err != nil {
		return nil, err
	}

	if len(cipher) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, ct := cipher[:aead.NonceSize()], cipher[aead.NonceSize():]

	return aead.Open(nil, nonce, ct, nil)
}
