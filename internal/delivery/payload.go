package delivery

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload is the content carried over the network for a message.
type Payload struct {
	Text    string
	ReplyTo []byte
	File    *FileInfo
}

// FileInfo announces a file transfer that belongs to the message.
type FileInfo struct {
	ID   []byte
	Name string
	Type string
}

// EncodePayload serializes p as a protobuf Struct.
func EncodePayload(p Payload) ([]byte, error) {
	fields := map[string]any{"text": p.Text}
	if len(p.ReplyTo) > 0 {
		fields["reply_to"] = base64.StdEncoding.EncodeToString(p.ReplyTo)
	}
	if p.File != nil {
		fields["file"] = map[string]any{
			"id":   base64.StdEncoding.EncodeToString(p.File.ID),
			"name": p.File.Name,
			"type": p.File.Type,
		}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return proto.Marshal(s)
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(raw, &s); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	fields := s.GetFields()

	p := Payload{Text: fields["text"].GetStringValue()}
	if v := fields["reply_to"].GetStringValue(); v != "" {
		reply, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return Payload{}, fmt.Errorf("decode reply reference: %w", err)
		}
		p.ReplyTo = reply
	}
	if file := fields["file"].GetStructValue(); file != nil {
		ff := file.GetFields()
		fid, err := base64.StdEncoding.DecodeString(ff["id"].GetStringValue())
		if err != nil {
			return Payload{}, fmt.Errorf("decode file id: %w", err)
		}
		if len(fid) == 0 {
			return Payload{}, fmt.Errorf("decode payload: file without id")
		}
		p.File = &FileInfo{ID: fid, Name: ff["name"].GetStringValue(), Type: ff["type"].GetStringValue()}
	}
	return p, nil
}
