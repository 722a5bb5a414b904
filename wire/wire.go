// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire holds the peripheral federation and media data transfer
// structs. These are serialization shapes only; nothing in the
// resolver depends on them.
package wire

import (
	"encoding/json"

	"github.com/luxfi/stateres/event"
)

// InviteRequest is the federation envelope asking a remote server to
// sign a membership invite on behalf of one of its users.
type InviteRequest struct {
	// RoomVersion is the version of the room the user is invited to.
	RoomVersion string `json:"room_version"`
	// Event is the unsigned invite membership event.
	Event json.RawMessage `json:"event"`
	// InviteRoomState is a stripped-down view of the room's state to
	// render the invite without joining.
	InviteRoomState []StrippedState `json:"invite_room_state,omitempty"`
}

// StrippedState is a minimal state event carrying only what an
// invited user needs before joining.
type StrippedState struct {
	Kind event.Type      `json:"type"`
	Key  string          `json:"state_key"`
	User string          `json:"sender"`
	Body json.RawMessage `json:"content"`
}

// ImageInfo carries the metadata of an image attachment.
type ImageInfo struct {
	Height        uint64         `json:"h,omitempty"`
	Width         uint64         `json:"w,omitempty"`
	MimeType      string         `json:"mimetype,omitempty"`
	Size          uint64         `json:"size,omitempty"`
	ThumbnailInfo *ThumbnailInfo `json:"thumbnail_info,omitempty"`
	ThumbnailURL  string         `json:"thumbnail_url,omitempty"`
	ThumbnailFile *EncryptedFile `json:"thumbnail_file,omitempty"`
}

// ThumbnailInfo carries the metadata of an image thumbnail.
type ThumbnailInfo struct {
	Height   uint64 `json:"h,omitempty"`
	Width    uint64 `json:"w,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Size     uint64 `json:"size,omitempty"`
}

// EncryptedFile points at an encrypted attachment together with the
// material needed to decrypt it.
type EncryptedFile struct {
	URL    string            `json:"url"`
	Key    JSONWebKey        `json:"key"`
	IV     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	// Version of the encrypted attachment protocol.
	Version string `json:"v"`
}

// JSONWebKey is the JWK form of an attachment encryption key.
type JSONWebKey struct {
	KeyType     string   `json:"kty"`
	KeyOps      []string `json:"key_ops"`
	Algorithm   string   `json:"alg"`
	Key         string   `json:"k"`
	Extractable bool     `json:"ext"`
}
