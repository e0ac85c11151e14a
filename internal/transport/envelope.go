package transport

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages travel as structpb.Struct. Keys are int64 and go as decimal
// strings; a protobuf number is a double.

func encodeMessage(msg distribution.Message) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"origin":    msg.Origin,
		"key":       strconv.FormatInt(int64(msg.Key), 10),
		"target":    msg.Target,
		"attempt":   msg.Attempt,
		"operation": msg.Command.OperationID,
		"kind":      msg.Command.Kind.String(),
		"payload":   base64.StdEncoding.EncodeToString(msg.Command.Payload),
	})
}

func decodeMessage(s *structpb.Struct) (distribution.Message, error) {
	f := s.GetFields()
	key, err := strconv.ParseInt(f["key"].GetStringValue(), 10, 64)
	if err != nil {
		return distribution.Message{}, fmt.Errorf("envelope key: %w", err)
	}
	kind, err := executor.ParseKind(f["kind"].GetStringValue())
	if err != nil {
		return distribution.Message{}, fmt.Errorf("envelope kind: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(f["payload"].GetStringValue())
	if err != nil {
		return distribution.Message{}, fmt.Errorf("envelope payload: %w", err)
	}
	if len(payload) == 0 {
		payload = nil
	}
	return distribution.Message{
		Origin:  int(f["origin"].GetNumberValue()),
		Key:     distribution.Key(key),
		Target:  int(f["target"].GetNumberValue()),
		Attempt: int(f["attempt"].GetNumberValue()),
		Command: executor.Command{
			OperationID: f["operation"].GetStringValue(),
			Kind:        kind,
			Payload:     payload,
		},
	}, nil
}

func encodeAck(ack distribution.Ack) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"target":    ack.Target,
		"key":       strconv.FormatInt(int64(ack.Key), 10),
		"duplicate": ack.Duplicate,
	})
}

func decodeAck(s *structpb.Struct) (distribution.Ack, error) {
	f := s.GetFields()
	key, err := strconv.ParseInt(f["key"].GetStringValue(), 10, 64)
	if err != nil {
		return distribution.Ack{}, fmt.Errorf("ack key: %w", err)
	}
	return distribution.Ack{
		Target:    int(f["target"].GetNumberValue()),
		Key:       distribution.Key(key),
		Duplicate: f["duplicate"].GetBoolValue(),
	}, nil
}
