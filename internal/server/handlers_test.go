package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"emperror.dev/errors"

	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/internal/platform/platformtest"
)

func seedProfiles(fake *platformtest.Fake) {
	fake.Seed("profiles",
		platform.Row{"id": creatorID, "username": "Alice", "handle": "alice", "user_type": "creator", "bio": "painter"},
		platform.Row{"id": viewerID, "username": "Bob", "handle": "bob", "user_type": "user"},
	)
}

// TestGetProfile はプロフィール取得を検証する。
func TestGetProfile(t *testing.T) {
	t.Parallel()

	t.Run("呼び出し元のプロフィールを返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := serve(s, authed(t, http.MethodGet, "/profile", creatorID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["id"] != creatorID || body["handle"] != "alice" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("プロフィールが無い場合は404を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, platformtest.New(), Options{})
		w := serve(s, authed(t, http.MethodGet, "/profile", creatorID, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
		if got := decodeBody(t, w)["error"]; got != "not_found" {
			t.Errorf("error = %v, want not_found", got)
		}
	})

	t.Run("Gatewayの失敗は500のremote_failureになること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		fake.FailOn(platformtest.OpQueryRow, errors.WithMessage(platform.ErrUnavailable, "connection refused"))
		s := newTestServer(t, fake, Options{})

		w := serve(s, authed(t, http.MethodGet, "/profile", creatorID, nil))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		body := decodeBody(t, w)
		if body["error"] != "remote_failure" {
			t.Errorf("error = %v, want remote_failure", body["error"])
		}
		if detail, _ := body["detail"].(string); !strings.Contains(detail, "connection refused") {
			t.Errorf("detail = %q, 原因のエラーを含むべき", detail)
		}
	})
}

// TestUpdateProfile はプロフィール更新を検証する。
func TestUpdateProfile(t *testing.T) {
	t.Parallel()

	patch := func(t *testing.T, s *Server, userID, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := authed(t, http.MethodPatch, "/profile", userID, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		return serve(s, req)
	}

	t.Run("指定した項目だけが更新されること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		s := newTestServer(t, fake, Options{})

		w := patch(t, s, creatorID, `{"handle":" alice_art ","bio":"oil painter"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["handle"] != "alice_art" || body["bio"] != "oil painter" || body["username"] != "Alice" {
			t.Errorf("body = %v", body)
		}
		calls := fake.Calls()
		last := calls[len(calls)-1]
		if last.Op != platformtest.OpUpdateRow || last.Target != "profiles" || last.Value != creatorID {
			t.Errorf("最後の呼び出し = %+v", last)
		}
	})

	t.Run("一意制約違反は409を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.FailOn(platformtest.OpUpdateRow, platform.NewUniqueViolation(`duplicate key value violates unique constraint "profiles_handle_key"`))
		s := newTestServer(t, fake, Options{})

		w := patch(t, s, creatorID, `{"handle":"bob"}`)
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
		}
		if got := decodeBody(t, w)["error"]; got != "conflict" {
			t.Errorf("error = %v, want conflict", got)
		}
	})

	t.Run("プロフィールが無い場合は404を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, platformtest.New(), Options{})
		w := patch(t, s, creatorID, `{"bio":"x"}`)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	badRequests := []struct {
		name string
		body string
	}{
		{"更新項目が無い", `{}`},
		{"JSONが不正", `{"bio":`},
		{"handleが空", `{"handle":""}`},
		{"handleに使えない文字を含む", `{"handle":"a/b"}`},
		{"bioが長すぎる", `{"bio":"` + strings.Repeat("a", 501) + `"}`},
	}
	for _, tt := range badRequests {
		t.Run(tt.name+"場合は400を返しGatewayに書き込まないこと", func(t *testing.T) {
			t.Parallel()

			fake := platformtest.New()
			seedProfiles(fake)
			s := newTestServer(t, fake, Options{})

			w := patch(t, s, creatorID, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
			if got := decodeBody(t, w)["error"]; got != "bad_request" {
				t.Errorf("error = %v, want bad_request", got)
			}
			if n := fake.Writes(); n != 0 {
				t.Errorf("書き込み回数 = %d, want 0", n)
			}
		})
	}
}

// TestSignedURL は署名付きURLの発行を検証する。
func TestSignedURL(t *testing.T) {
	t.Parallel()

	t.Run("既定のバケットと有効期間で発行されること", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		s := newTestServer(t, fake, Options{})

		w := serve(s, authed(t, http.MethodGet, "/signed-url?path="+creatorID+"/a.png", creatorID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		want := "https://platform.test/sign/artworks/" + creatorID + "/a.png?expires_in=60"
		if body["signed_url"] != want || body["signedURL"] != want {
			t.Errorf("signed_url = %v, signedURL = %v, want %s", body["signed_url"], body["signedURL"], want)
		}
		if body["bucket"] != "artworks" || body["expires_in"] != float64(60) || body["path"] != creatorID+"/a.png" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("バケットと有効期間を指定できること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, platformtest.New(), Options{})
		w := serve(s, authed(t, http.MethodGet, "/signed-url?path=x.png&bucket=avatars&expires=3600", creatorID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		if body["signed_url"] != "https://platform.test/sign/avatars/x.png?expires_in=3600" {
			t.Errorf("signed_url = %v", body["signed_url"])
		}
	})

	badRequests := []struct {
		name  string
		query string
	}{
		{"pathが無い", ""},
		{"pathが空白", "?path=%20"},
		{"未知のバケット", "?path=a&bucket=secrets"},
		{"有効期間が0", "?path=a&expires=0"},
		{"有効期間が上限を超える", "?path=a&expires=604801"},
		{"有効期間が数値でない", "?path=a&expires=soon"},
		{"pathが親ディレクトリを含む", "?path=../../../../../rest/v1/profiles"},
		{"pathが途中で親ディレクトリに移動する", "?path=u1/../../avatars/u2/avatar.png"},
		{"pathがカレントディレクトリを含む", "?path=u1/./a.png"},
		{"pathがスラッシュで始まる", "?path=/u1/a.png"},
		{"pathが空のセグメントを含む", "?path=u1//a.png"},
	}
	for _, tt := range badRequests {
		t.Run(tt.name+"場合は400を返すこと", func(t *testing.T) {
			t.Parallel()

			fake := platformtest.New()
			s := newTestServer(t, fake, Options{})
			w := serve(s, authed(t, http.MethodGet, "/signed-url"+tt.query, creatorID, nil))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if got := decodeBody(t, w)["error"]; got != "bad_request" {
				t.Errorf("error = %v, want bad_request", got)
			}
			if n := fake.Count(platformtest.OpCreateSignedURL); n != 0 {
				t.Errorf("発行回数 = %d, want 0", n)
			}
		})
	}

	t.Run("発行に失敗した場合は500を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		fake.FailOn(platformtest.OpCreateSignedURL, &platform.RemoteError{StatusCode: http.StatusNotFound, Message: "Object not found"})
		s := newTestServer(t, fake, Options{})

		w := serve(s, authed(t, http.MethodGet, "/signed-url?path=missing.png", creatorID, nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}

// TestArtistResolver はアーティスト解決エンドポイントを検証する。
func TestArtistResolver(t *testing.T) {
	t.Parallel()

	t.Run("handleが無い場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		s := newTestServer(t, fake, Options{})
		w := serve(s, httptest.NewRequest(http.MethodGet, "/artist-resolver", nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if n := fake.Count(""); n != 0 {
			t.Errorf("Gatewayの呼び出し回数 = %d, want 0", n)
		}
	})

	t.Run("プロフィールが無くビューに2行ある場合は新しい順の作品を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		fake.Seed("artworks_with_username",
			platform.Row{"id": "a1", "user_id": "u-1", "title": "old", "username": "alice", "created_at": "2024-01-01T00:00:00Z"},
			platform.Row{"id": "a2", "user_id": "u-1", "title": "new", "username": "alice", "created_at": "2024-03-01T00:00:00Z"},
		)
		s := newTestServer(t, fake, Options{})

		w := serve(s, httptest.NewRequest(http.MethodGet, "/artist-resolver?handle=alice", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["profile"] != nil {
			t.Errorf("profile = %v, want null", body["profile"])
		}
		artworks, _ := body["artworks"].([]any)
		if len(artworks) != 2 {
			t.Fatalf("artworks = %v, want 2件", body["artworks"])
		}
		first, _ := artworks[0].(map[string]any)
		second, _ := artworks[1].(map[string]any)
		if first["title"] != "new" || second["title"] != "old" {
			t.Errorf("順序 = [%v, %v], want [new, old]", first["title"], second["title"])
		}
	})

	t.Run("プロフィールがある場合はプロフィールと作品を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		seedProfiles(fake)
		fake.Seed("artworks",
			platform.Row{"id": "a1", "user_id": creatorID, "title": "T2", "created_at": "2024-02-01T00:00:00Z"},
			platform.Row{"id": "a2", "user_id": creatorID, "title": "T1", "created_at": "2024-01-01T00:00:00Z"},
			platform.Row{"id": "a3", "user_id": creatorID, "title": "T3", "created_at": "2024-03-01T00:00:00Z"},
		)
		s := newTestServer(t, fake, Options{})

		w := serve(s, httptest.NewRequest(http.MethodGet, "/artist-resolver?handle=alice", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		profile, _ := body["profile"].(map[string]any)
		if profile["id"] != creatorID {
			t.Errorf("profile = %v", body["profile"])
		}
		artworks, _ := body["artworks"].([]any)
		var got []string
		for _, a := range artworks {
			got = append(got, a.(map[string]any)["title"].(string))
		}
		if strings.Join(got, ",") != "T3,T2,T1" {
			t.Errorf("順序 = %v, want [T3 T2 T1]", got)
		}
	})

	t.Run("Gatewayの失敗は500を返すこと", func(t *testing.T) {
		t.Parallel()

		fake := platformtest.New()
		fake.FailOn(platformtest.OpQueryRow, platform.ErrUnavailable)
		s := newTestServer(t, fake, Options{})

		w := serve(s, httptest.NewRequest(http.MethodGet, "/artist-resolver?handle=alice", nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if got := decodeBody(t, w)["error"]; got != "remote_failure" {
			t.Errorf("error = %v, want remote_failure", got)
		}
	})
}
