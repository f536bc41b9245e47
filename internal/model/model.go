// Package model はプラットフォーム上のテーブル・バケット名と、作品・プロフィールの値を定義する。
package model

import (
	"strings"

	"github.com/nao1215/artfolio/internal/platform"
)

// テーブルとビュー。
const (
	TableProfiles            = "profiles"
	TableArtworks            = "artworks"
	ViewArtworksWithUsername = "artworks_with_username"
)

// 列名。
const (
	ColumnID        = "id"
	ColumnUserID    = "user_id"
	ColumnHandle    = "handle"
	ColumnUsername  = "username"
	ColumnUserType  = "user_type"
	ColumnAvatarURL = "avatar_url"
	ColumnBio       = "bio"
	ColumnCreatedAt = "created_at"
)

// バケット。artworksは非公開、avatarsは公開。
const (
	BucketArtworks = "artworks"
	BucketAvatars  = "avatars"
)

// ロール（profiles.user_type）。
const (
	RoleUser    = "user"
	RoleCreator = "creator"
)

// IsKnownBucket はバケット名が既知のものかどうかを返す。
func IsKnownBucket(name string) bool {
	return name == BucketArtworks || name == BucketAvatars
}

// Artwork はアップロード時に作成する作品の行。
type Artwork struct {
	UserID      string
	Title       string
	Description string
	// ImageURL はartworksバケット内のオブジェクトパス。
	ImageURL string
	IsPublic bool
	Tags     []string
}

// Row は挿入用の行に変換する。タグが無い場合はtags列を含めない。
func (a Artwork) Row() platform.Row {
	row := platform.Row{
		ColumnUserID:  a.UserID,
		"title":       a.Title,
		"description": a.Description,
		"image_url":   a.ImageURL,
		"is_public":   a.IsPublic,
	}
	if len(a.Tags) > 0 {
		row["tags"] = a.Tags
	}
	return row
}

// ParseTags はカンマ区切りのタグを分割する。前後の空白は除去し、空の要素と重複は捨てる。
func ParseTags(s string) []string {
	var tags []string
	seen := map[string]bool{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}
