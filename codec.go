package taskpipe

import (
	"encoding/json"
	"fmt"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec 序列化状态信封与广播任务；实现需跨节点确定性。
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON 返回 JSON 编解码器。
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR 返回规范化 CBOR 编解码器（时间按 RFC3339 纳秒字符串编码）。
func CBOR() (Codec, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return ContentTypeCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// codecRegistry 按 content type 或简称（json/cbor）查找编解码器。
type codecRegistry struct{ byType map[string]Codec }

func newCodecRegistry() (*codecRegistry, error) {
	r := &codecRegistry{byType: map[string]Codec{}}
	r.register(JSON())
	cc, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.register(cc)
	return r, nil
}

func (r *codecRegistry) register(c Codec) { r.byType[c.ContentType()] = c }

func (r *codecRegistry) get(name string) (Codec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "json":
		name = ContentTypeJSON
	case "cbor":
		name = ContentTypeCBOR
	}
	c, ok := r.byType[name]
	if !ok {
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
	return c, nil
}
