package server

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"

	"emperror.dev/errors"

	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/internal/platform/platformtest"
	"github.com/nao1215/artfolio/pkg/middleware"
)

var pngData = []byte("\x89PNG\r\n\x1a\nfake-image")

// uploadRequest はmultipartのアップロードリクエストを生成する。
func uploadRequest(t *testing.T, target, token string, fields map[string]string, filename string, data []byte) *http.Request {
	t.Helper()

	body, contentType := multipartBody(t, fields, filename, data)
	req, err := http.NewRequest(http.MethodPost, target, body)
	if err != nil {
		t.Fatalf("リクエストの生成に失敗: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// typedUploadRequest はfileパートのContent-Typeを指定したアップロードリクエストを生成する。
func typedUploadRequest(t *testing.T, target, token, filename, contentType string, data []byte) *http.Request {
	t.Helper()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("ファイルパートの作成に失敗: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("ファイルの書き込みに失敗: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipartのクローズに失敗: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, target, buf)
	if err != nil {
		t.Fatalf("リクエストの生成に失敗: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// TestUploadContentType はアップロードを許可するContent-Typeを検証する。
func TestUploadContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		target      string
		userID      string
		filename    string
		contentType string
		wantStatus  int
		wantType    string
	}{
		{name: "作品にPNGを指定できる", target: "/upload", userID: creatorID, filename: "a.png", contentType: "image/png", wantStatus: http.StatusCreated, wantType: "image/png"},
		{name: "作品にPDFを指定できる", target: "/upload", userID: creatorID, filename: "a.pdf", contentType: "application/pdf", wantStatus: http.StatusCreated, wantType: "application/pdf"},
		{name: "作品のoctet-streamは拡張子から推定する", target: "/upload", userID: creatorID, filename: "a.jpeg", contentType: "application/octet-stream", wantStatus: http.StatusCreated, wantType: "image/jpeg"},
		{name: "作品にHTMLは指定できない", target: "/upload", userID: creatorID, filename: "a.html", contentType: "text/html", wantStatus: http.StatusBadRequest},
		{name: "作品の推定できない形式は指定できない", target: "/upload", userID: creatorID, filename: "a.bin", contentType: "application/octet-stream", wantStatus: http.StatusBadRequest},
		{name: "アバターにJPEGを指定できる", target: "/upload-avatar", userID: viewerID, filename: "me.jpg", contentType: "IMAGE/JPEG", wantStatus: http.StatusOK, wantType: "image/jpeg"},
		{name: "アバターにHTMLは指定できない", target: "/upload-avatar", userID: viewerID, filename: "x.html", contentType: "text/html", wantStatus: http.StatusBadRequest},
		{name: "アバターに拡張子がHTMLのファイルは指定できない", target: "/upload-avatar", userID: viewerID, filename: "x.html", contentType: "", wantStatus: http.StatusBadRequest},
		{name: "アバターにPDFは指定できない", target: "/upload-avatar", userID: viewerID, filename: "me.pdf", contentType: "application/pdf", wantStatus: http.StatusBadRequest},
		{name: "不正なContent-Typeは指定できない", target: "/upload-avatar", userID: viewerID, filename: "me.png", contentType: "image/png; =broken", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := platformtest.New()
			seedProfiles(fake)
			s := newTestServer(t, fake, Options{})

			w := serve(s, typedUploadRequest(t, tt.target, tokenFor(t, tt.userID), tt.filename, tt.contentType, pngData))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantStatus == http.StatusBadRequest {
				if got := decodeBody(t, w)["error"]; got != "bad_request" {
					t.Errorf("error = %v, want bad_request", got)
				}
				if n := fake.Writes(); n != 0 {
					t.Errorf("書き込み回数 = %d, want 0", n)
				}
				return
			}

			var stored platform.Object
			for _, c := range fake.Calls() {
				if c.Op == platformtest.OpPutObject || c.Op == platformtest.OpPutObjectPrivileged {
					stored, _ = fake.Object(c.Target, c.Column)
				}
			}
			if stored.ContentType != tt.wantType {
				t.Errorf("ContentType = %q, want %q", stored.ContentType, tt.wantType)
			}
		})
	}
}

// TestUpload は作品アップロードを検証する。
func TestUpload(t *testing.T) {
	t.Parallel()

	t.Run("クリエイターは作品をアップロードできること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})
		token := tokenFor(t, creatorID)

		w := serve(s, uploadRequest(t, "/upload", token, map[string]string{
			"title":       "Sunset",
			"description": "oil on canvas",
			"tags":        "oil, landscape,,oil",
		}, "Sunset.PNG", pngData))
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
		}

		body := decodeBody(t, w)
		if body["message"] == "" {
			t.Error("messageが空")
		}
		row, _ := body["row"].(map[string]any)
		if row["user_id"] != creatorID || row["title"] != "Sunset" || row["is_public"] != true {
			t.Errorf("row = %v", row)
		}
		imageURL, _ := row["image_url"].(string)
		if !strings.HasPrefix(imageURL, creatorID+"/") || !strings.HasSuffix(imageURL, ".png") {
			t.Errorf("image_url = %q, {user_id}/{生成名}.png であるべき", imageURL)
		}
		tags, _ := row["tags"].([]any)
		if len(tags) != 2 || tags[0] != "oil" || tags[1] != "landscape" {
			t.Errorf("tags = %v, want [oil landscape]", row["tags"])
		}

		obj, ok := fake.Object("artworks", imageURL)
		if !ok {
			t.Fatal("オブジェクトが保存されていない")
		}
		if !bytes.Equal(obj.Data, pngData) {
			t.Error("保存された内容が異なる")
		}

		var put platformtest.Call
		for _, c := range fake.Calls() {
			if c.Op == platformtest.OpPutObject {
				put = c
			}
		}
		if put.Token != token {
			t.Error("呼び出し元のトークンでオブジェクトを書き込むべき")
		}
	})

	t.Run("タイトルを省略するとファイル名が使われ非公開を指定できること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID),
			map[string]string{"is_public": "false"}, "study.jpg", pngData))
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
		}
		row, _ := decodeBody(t, w)["row"].(map[string]any)
		if row["title"] != "study" || row["is_public"] != false {
			t.Errorf("row = %v", row)
		}
		if _, ok := row["tags"]; ok {
			t.Errorf("タグが無い場合はtagsを含めない: %v", row["tags"])
		}
	})

	t.Run("トークンのロールではなくプロフィールのロールで判定すること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		token := tokenFor(t, viewerID, middleware.WithRole("creator"))
		w := serve(s, uploadRequest(t, "/upload", token, nil, "a.png", pngData))
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
		if got := decodeBody(t, w)["error"]; got != "forbidden" {
			t.Errorf("error = %v, want forbidden", got)
		}
		if n := fake.Writes(); n != 0 {
			t.Errorf("書き込み回数 = %d, want 0", n)
		}
	})

	t.Run("プロフィールが無い場合は403を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), nil, "a.png", pngData))
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("ロールの取得に失敗した場合は500を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		fake.FailOn(platformtest.OpQueryRow+":profiles", platform.ErrUnavailable)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), nil, "a.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if got := decodeBody(t, w)["error"]; got != "remote_failure" {
			t.Errorf("error = %v, want remote_failure", got)
		}
		if n := fake.Writes(); n != 0 {
			t.Errorf("書き込み回数 = %d, want 0", n)
		}
	})

	t.Run("fileパートが無い場合は400を返しGatewayに書き込まないこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), map[string]string{"title": "x"}, "", nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if got := decodeBody(t, w)["error"]; got != "bad_request" {
			t.Errorf("error = %v, want bad_request", got)
		}
		if n := fake.Writes(); n != 0 {
			t.Errorf("書き込み回数 = %d, want 0", n)
		}
	})

	t.Run("is_publicが不正な場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), map[string]string{"is_public": "maybe"}, "a.png", pngData))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if n := fake.Writes(); n != 0 {
			t.Errorf("書き込み回数 = %d, want 0", n)
		}
	})

	t.Run("サイズ上限を超えた場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{MaxUploadBytes: 512})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), nil, "big.png", bytes.Repeat([]byte("a"), 4096)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if n := fake.Writes(); n != 0 {
			t.Errorf("書き込み回数 = %d, want 0", n)
		}
	})

	t.Run("オブジェクトの保存に失敗した場合は行を作成しないこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.FailOn(platformtest.OpPutObject, &platform.RemoteError{StatusCode: http.StatusForbidden, Message: "new row violates row-level security policy"})
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), nil, "a.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if n := fake.Count(platformtest.OpInsertRow); n != 0 {
			t.Errorf("行の作成回数 = %d, want 0", n)
		}
	})

	t.Run("行の作成に失敗した場合は保存したオブジェクトを削除すること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.FailOn(platformtest.OpInsertRow, &platform.RemoteError{StatusCode: http.StatusConflict, Code: "23503", Message: "foreign key violation"})
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), nil, "a.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if got := decodeBody(t, w)["error"]; got != "remote_failure" {
			t.Errorf("error = %v, want remote_failure", got)
		}
		if n := fake.Count(platformtest.OpRemoveObject); n != 1 {
			t.Fatalf("削除回数 = %d, want 1", n)
		}
		var put, removed platformtest.Call
		for _, c := range fake.Calls() {
			switch c.Op {
			case platformtest.OpPutObject:
				put = c
			case platformtest.OpRemoveObject:
				removed = c
			}
		}
		if removed.Target != put.Target || removed.Column != put.Column {
			t.Errorf("削除対象 = %s/%s, want %s/%s", removed.Target, removed.Column, put.Target, put.Column)
		}
		if _, ok := fake.Object(put.Target, put.Column); ok {
			t.Error("オブジェクトが残っている")
		}
	})

	t.Run("補償の削除に失敗しても500を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.FailOn(platformtest.OpInsertRow, platform.ErrUnavailable)
		fake.FailOn(platformtest.OpRemoveObject, errors.New("storage down"))
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload", tokenFor(t, creatorID), nil, "a.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}

// TestUploadAvatar はアバターのアップロードを検証する。
func TestUploadAvatar(t *testing.T) {
	t.Parallel()

	wantURL := "https://platform.test/public/avatars/" + viewerID + "/avatar.png"

	t.Run("アバターを保存しプロフィールを更新すること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "me.PNG", pngData))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["avatar_url"] != wantURL {
			t.Errorf("avatar_url = %v, want %s", body["avatar_url"], wantURL)
		}
		if _, ok := fake.Object("avatars", viewerID+"/avatar.png"); !ok {
			t.Error("アバター画像が保存されていない")
		}
		if n := fake.Count(platformtest.OpPutObjectPrivileged); n != 1 {
			t.Errorf("特権での書き込み回数 = %d, want 1", n)
		}
		for _, r := range fake.Rows("profiles") {
			if r.String("id") == viewerID && r.String("avatar_url") != wantURL {
				t.Errorf("avatar_url = %q, want %q", r.String("avatar_url"), wantURL)
			}
		}
	})

	t.Run("プロフィールの更新に失敗した場合は500とavatar_urlを返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.FailOn(platformtest.OpUpdateRow, platform.ErrUnavailable)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "me.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		body := decodeBody(t, w)
		if body["error"] != "remote_failure" || body["avatar_url"] != wantURL {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("画像の保存に失敗した場合はプロフィールを更新しないこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.FailOn(platformtest.OpPutObjectPrivileged, platform.ErrUnavailable)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "me.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if _, ok := decodeBody(t, w)["avatar_url"]; ok {
			t.Error("保存に失敗した場合はavatar_urlを返さない")
		}
		if n := fake.Count(platformtest.OpUpdateRow); n != 0 {
			t.Errorf("更新回数 = %d, want 0", n)
		}
	})

	t.Run("拡張子が変わった場合は以前の画像を削除すること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		oldPath := viewerID + "/avatar.jpg"
		fake.Seed("profiles", platform.Row{"id": viewerID, "user_type": "user", "avatar_url": fake.PublicURL("avatars", oldPath)})
		if err := fake.PutObjectPrivileged(context.Background(), platform.Object{Bucket: "avatars", Path: oldPath, Data: []byte("old")}); err != nil {
			t.Fatalf("初期データの保存に失敗: %v", err)
		}
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "me.png", pngData))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		if _, ok := fake.Object("avatars", oldPath); ok {
			t.Error("以前のアバター画像が残っている")
		}
		if _, ok := fake.Object("avatars", viewerID+"/avatar.png"); !ok {
			t.Error("新しいアバター画像が保存されていない")
		}
	})

	t.Run("同じパスへの上書きや他人の画像は削除しないこと", func(t *testing.T) {
		t.Parallel()

		for _, current := range []string{
			"https://platform.test/public/avatars/" + viewerID + "/avatar.png",
			"https://platform.test/public/avatars/" + creatorID + "/avatar.jpg",
			"https://cdn.example.com/avatars/" + viewerID + "/avatar.jpg",
			"",
		} {
			fake := platformtest.New()
			fake.Seed("profiles", platform.Row{"id": viewerID, "user_type": "user", "avatar_url": current})
			s := newTestServer(t, fake, Options{})

			w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "me.png", pngData))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
			}
			if n := fake.Count(platformtest.OpRemoveObject); n != 0 {
				t.Errorf("avatar_url=%q のとき削除回数 = %d, want 0", current, n)
			}
		}
	})

	t.Run("プロフィールの更新に失敗した場合は以前の画像を削除しないこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		fake.Seed("profiles", platform.Row{"id": viewerID, "user_type": "user",
			"avatar_url": fake.PublicURL("avatars", viewerID+"/avatar.jpg")})
		fake.FailOn(platformtest.OpUpdateRow, platform.ErrUnavailable)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "me.png", pngData))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if n := fake.Count(platformtest.OpRemoveObject); n != 0 {
			t.Errorf("削除回数 = %d, want 0", n)
		}
	})

	t.Run("fileパートが無い場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := serve(s, uploadRequest(t, "/upload-avatar", tokenFor(t, viewerID), nil, "", nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if n := fake.Writes(); n != 0 {
			t.Errorf("書き込み回数 = %d, want 0", n)
		}
	})
}
