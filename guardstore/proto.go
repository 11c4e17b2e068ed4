package guardstore

import (
	"fmt"

	"github.com/unkn0wn-root/sitecache/codec"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec stores State as a protobuf Struct, for operators who inspect
// guard blobs with protobuf tooling.
type ProtoCodec struct{}

var _ codec.Codec[State] = ProtoCodec{}

var structCodec = codec.NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })

func (ProtoCodec) Encode(s State) ([]byte, error) {
	pb, err := structpb.NewStruct(map[string]any{
		"reload_count":   s.ReloadCount,
		"last_reload_at": float64(s.LastReloadAt),
	})
	if err != nil {
		return nil, err
	}
	return structCodec.Encode(pb)
}

func (ProtoCodec) Decode(b []byte) (State, error) {
	pb, err := structCodec.Decode(b)
	if err != nil {
		return State{}, err
	}
	count, ok := pb.Fields["reload_count"]
	if !ok {
		return State{}, fmt.Errorf("guardstore: proto state missing reload_count")
	}
	var at int64
	if v, ok := pb.Fields["last_reload_at"]; ok {
		at = int64(v.GetNumberValue())
	}
	return State{ReloadCount: int(count.GetNumberValue()), LastReloadAt: at}, nil
}
