package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cadenza/internal/auth"
	"cadenza/internal/cache"
	"cadenza/internal/config"
	"cadenza/internal/database"
	"cadenza/internal/metadata"
	"cadenza/internal/storage"
	"cadenza/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminID    = "admin-1"
	listenerID = "listener-1"
	testPass   = "correct-horse"
)

type testEnv struct {
	config   *config.Config
	db       *database.Database
	store    *storage.Local
	sessions *auth.SessionManager
	deps     Dependencies
	logger   *logrus.Logger
	server   *MusicServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.StaticDir = filepath.Join(dir, "static")
	cfg.Storage.UploadRoot = filepath.Join(dir, "uploads")
	cfg.Storage.WatchForChanges = false
	cfg.Logging.RequestLogging = false

	require.NoError(t, os.MkdirAll(cfg.Server.StaticDir, 0755))
	for _, page := range []string{"index.html", "login.html", "register.html"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.StaticDir, page), []byte("<html>"+page+"</html>"), 0644))
	}

	db, err := database.NewDatabase(filepath.Join(dir, "test.db"), 1, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Hashes at MinCost keep Login fast; bcrypt reads the cost from the hash
	hash, err := bcrypt.GenerateFromPassword([]byte(testPass), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, db.CreateUser(models.User{ID: adminID, Username: "admin", PasswordHash: string(hash), IsAdmin: true}))
	require.NoError(t, db.CreateUser(models.User{ID: listenerID, Username: "listener", PasswordHash: string(hash)}))

	secret := []byte("test-secret")
	sessions := auth.NewSessionManager(secret, time.Hour, false)
	authService := auth.NewService(database.NewIdentityStore(db), sessions, true, logger)

	store, err := storage.NewLocal(cfg.Storage.UploadRoot, "http://music.test", secret)
	require.NoError(t, err)

	artCache := cache.NewArtworkCache(time.Minute)
	t.Cleanup(artCache.Close)
	artwork := metadata.NewArtworkResolver(
		[]metadata.ArtworkSource{metadata.NewEmbeddedSource(store)},
		metadata.DefaultArtwork(),
		time.Second,
		artCache,
		logger,
	)

	env := &testEnv{
		config:   cfg,
		db:       db,
		store:    store,
		sessions: sessions,
		logger:   logger,
		deps: Dependencies{
			Catalog:  db,
			Auth:     authService,
			Store:    store,
			Metadata: metadata.NewResolver(store, logger),
			Artwork:  artwork,
		},
	}
	env.server = NewMusicServer(cfg, env.deps, logger)
	return env
}

// withCatalog rebuilds the server over a different catalog
func (e *testEnv) withCatalog(catalog Catalog) *testEnv {
	e.deps.Catalog = catalog
	e.server = NewMusicServer(e.config, e.deps, e.logger)
	return e
}

func (e *testEnv) cookie(userID string) *http.Cookie {
	return &http.Cookie{
		Name:  e.sessions.CookieName(),
		Value: e.sessions.Encode(e.sessions.CreateSession(userID)),
	}
}

func (e *testEnv) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) put(t *testing.T, key string, data []byte) {
	t.Helper()
	_, err := e.store.Put(key, bytes.NewReader(data))
	require.NoError(t, err)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type upload struct {
	name string
	data []byte
}

func uploadRequest(t *testing.T, field string, files ...upload) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile(field, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func audioBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	t.Run("LoginJSON", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/login", `{"username":"admin","password":"`+testPass+`"}`), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body struct {
			Status string      `json:"status"`
			User   models.User `json:"user"`
		}
		decodeJSON(t, rec, &body)
		assert.Equal(t, "success", body.Status)
		assert.Equal(t, adminID, body.User.ID)
		assert.True(t, body.User.IsAdmin)
		assert.NotContains(t, rec.Body.String(), "password")

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, env.sessions.CookieName(), cookies[0].Name)
		assert.True(t, cookies[0].HttpOnly)

		songs := env.do(httptest.NewRequest(http.MethodGet, "/songs", nil), cookies[0])
		assert.Equal(t, http.StatusOK, songs.Code)
	})

	t.Run("LoginWrongPassword", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/login", `{"username":"admin","password":"nope"}`), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Result().Cookies())
	})

	t.Run("LoginUnknownUser", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/login", `{"username":"nobody","password":"nope"}`), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("LoginValidation", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/login", `{"username":"","password":""}`), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var result ValidationResult
		decodeJSON(t, rec, &result)
		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 2)
	})

	t.Run("LoginForm", func(t *testing.T) {
		form := url.Values{"username": {"listener"}, "password": {testPass}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rec := env.do(req, nil)
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))
		assert.Len(t, rec.Result().Cookies(), 1)
	})

	t.Run("LoginFormRejected", func(t *testing.T) {
		form := url.Values{"username": {"listener"}, "password": {"wrong"}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rec := env.do(req, nil)
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?error="))
	})

	t.Run("Register", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/register", `{"username":"carol","password":"pw123456"}`), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body struct {
			User models.User `json:"user"`
		}
		decodeJSON(t, rec, &body)
		assert.Equal(t, "carol", body.User.Username)
		assert.False(t, body.User.IsAdmin)

		stored, err := env.db.FindUserByUsername("carol")
		require.NoError(t, err)
		assert.NotEqual(t, "pw123456", stored.PasswordHash)
	})

	t.Run("RegisterDuplicate", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/register", `{"username":"admin","password":"pw123456"}`), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Logout", func(t *testing.T) {
		rec := env.do(jsonRequest(http.MethodPost, "/logout", ""), env.cookie(listenerID))
		assert.Equal(t, http.StatusOK, rec.Code)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, -1, cookies[0].MaxAge)
	})

	t.Run("LoginPageRedirectsSignedIn", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/login", nil), env.cookie(listenerID))
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))

		rec = env.do(httptest.NewRequest(http.MethodGet, "/login", nil), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "login.html")
	})
}

func TestRegistrationDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Auth = auth.NewService(database.NewIdentityStore(env.db), env.sessions, false, env.logger)
	env.server = NewMusicServer(env.config, env.deps, env.logger)

	rec := env.do(jsonRequest(http.MethodPost, "/register", `{"username":"dave","password":"pw123456"}`), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/register", nil), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := env.db.FindUserByUsername("dave")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRequireLogin(t *testing.T) {
	env := newTestEnv(t)

	t.Run("APIClient", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/songs", nil), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Browser", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		rec := env.do(req, nil)
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/login", rec.Header().Get("Location"))
	})

	t.Run("TamperedCookie", func(t *testing.T) {
		cookie := env.cookie(listenerID)
		cookie.Value = strings.Replace(cookie.Value, listenerID, adminID, 1)
		rec := env.do(httptest.NewRequest(http.MethodGet, "/songs", nil), cookie)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("DeletedAccount", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/songs", nil), env.cookie("ghost"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, -1, cookies[0].MaxAge)
	})

	t.Run("HomePage", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil), env.cookie(listenerID))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "index.html")
		assert.Len(t, rec.Result().Cookies(), 1, "session should be refreshed")
	})
}

func TestAdminGate(t *testing.T) {
	env := newTestEnv(t)

	t.Run("UploadForbidden", func(t *testing.T) {
		req := uploadRequest(t, "file", upload{"song.mp3", audioBytes(512)})
		rec := env.do(req, env.cookie(listenerID))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		objects, err := env.store.List()
		require.NoError(t, err)
		assert.Empty(t, objects)

		count, err := env.db.CountSongs()
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("UploadUnauthenticated", func(t *testing.T) {
		req := uploadRequest(t, "file", upload{"song.mp3", audioBytes(512)})
		rec := env.do(req, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("AdminListingForbidden", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/admin", nil), env.cookie(listenerID))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("AdminListing", func(t *testing.T) {
		env.put(t, "b.mp3", audioBytes(10))
		env.put(t, "a.wav", audioBytes(20))

		rec := env.do(httptest.NewRequest(http.MethodGet, "/admin", nil), env.cookie(adminID))
		require.Equal(t, http.StatusOK, rec.Code)

		var listing AdminListing
		decodeJSON(t, rec, &listing)
		require.Equal(t, 2, listing.Count)
		assert.Equal(t, "a.wav", listing.Files[0].Key)
		assert.Equal(t, int64(20), listing.Files[0].Size)
	})
}

func TestUpload(t *testing.T) {
	t.Run("MixedBatch", func(t *testing.T) {
		env := newTestEnv(t)

		req := uploadRequest(t, "files",
			upload{"Some Song.mp3", audioBytes(4096)},
			upload{"notes.txt", []byte("not audio")},
		)
		rec := env.do(req, env.cookie(adminID))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp UploadResponse
		decodeJSON(t, rec, &resp)
		assert.True(t, resp.Success)
		assert.Equal(t, 1, resp.Saved)
		assert.Equal(t, 1, resp.Failed)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, UploadSaved, resp.Results[0].Status)
		assert.Equal(t, "http://music.test/stream/Some%20Song.mp3", resp.Results[0].PublicURL)
		assert.Equal(t, UploadInvalidType, resp.Results[1].Status)

		song, err := env.db.GetSongByFilename("Some Song.mp3")
		require.NoError(t, err)
		assert.Equal(t, "Some Song", song.Title)
		assert.Equal(t, metadata.UnknownArtist, song.Artist)
		assert.Equal(t, adminID, song.UploadedBy)
		assert.Equal(t, int64(4096), song.FileSize)
	})

	t.Run("NameCollision", func(t *testing.T) {
		env := newTestEnv(t)
		env.put(t, "track.mp3", audioBytes(10))

		rec := env.do(uploadRequest(t, "file", upload{"track.mp3", audioBytes(20)}), env.cookie(adminID))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp UploadResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "track_1.mp3", resp.Results[0].StoredAs)

		info, err := env.store.Stat("track.mp3")
		require.NoError(t, err)
		assert.Equal(t, int64(10), info.Size(), "existing file must not be overwritten")
	})

	t.Run("OverCapRejectedWholesale", func(t *testing.T) {
		env := newTestEnv(t)

		files := make([]upload, 51)
		for i := range files {
			files[i] = upload{fmt.Sprintf("track%02d.mp3", i), audioBytes(64)}
		}
		rec := env.do(uploadRequest(t, "files", files...), env.cookie(adminID))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		objects, err := env.store.List()
		require.NoError(t, err)
		assert.Empty(t, objects)

		count, err := env.db.CountSongs()
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("CapWithDisallowedFile", func(t *testing.T) {
		env := newTestEnv(t)

		files := make([]upload, 0, 51)
		for i := 0; i < 50; i++ {
			files = append(files, upload{fmt.Sprintf("track%02d.mp3", i), audioBytes(64)})
		}
		files = append(files, upload{"cover.jpg", []byte("jpeg")})

		rec := env.do(uploadRequest(t, "files", files...), env.cookie(adminID))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp UploadResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 50, resp.Saved)
		assert.Equal(t, 1, resp.Failed)
		assert.Equal(t, UploadInvalidType, resp.Results[50].Status)

		count, err := env.db.CountSongs()
		require.NoError(t, err)
		assert.Equal(t, 50, count)
	})

	t.Run("EmptyUpload", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(uploadRequest(t, "file"), env.cookie(adminID))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("OnlyInvalidTypes", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(uploadRequest(t, "file", upload{"song.flac", audioBytes(64)}), env.cookie(adminID))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp UploadResponse
		decodeJSON(t, rec, &resp)
		assert.False(t, resp.Success)
		assert.Equal(t, UploadInvalidType, resp.Results[0].Status)
	})

	t.Run("CatalogFailureKeepsBytes", func(t *testing.T) {
		env := newTestEnv(t)
		env.withCatalog(failingCatalog{Catalog: env.db})

		rec := env.do(uploadRequest(t, "file", upload{"kept.wav", audioBytes(128)}), env.cookie(adminID))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp UploadResponse
		decodeJSON(t, rec, &resp)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, UploadCatalogFailed, resp.Results[0].Status)
		assert.Equal(t, "kept.wav", resp.Results[0].StoredAs)

		_, err := env.store.Stat("kept.wav")
		assert.NoError(t, err)
	})
}

// failingCatalog refuses every insert
type failingCatalog struct {
	Catalog
}

func (failingCatalog) InsertSong(models.Song) (int, error) {
	return 0, errors.New("database is locked")
}

func TestStreamRoute(t *testing.T) {
	env := newTestEnv(t)
	data := audioBytes(1000)
	env.put(t, "track.mp3", data)
	cookie := env.cookie(listenerID)

	stream := func(rangeHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/stream/track.mp3", nil)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		return env.do(req, cookie)
	}

	t.Run("Full", func(t *testing.T) {
		rec := stream("")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
		assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
		assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
		assert.Equal(t, data, rec.Body.Bytes())
	})

	t.Run("Partial", func(t *testing.T) {
		rec := stream("bytes=100-199")
		assert.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
		assert.Equal(t, "100", rec.Header().Get("Content-Length"))
		assert.Equal(t, data[100:200], rec.Body.Bytes())
	})

	t.Run("OpenEnded", func(t *testing.T) {
		rec := stream("bytes=990-")
		assert.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "bytes 990-999/1000", rec.Header().Get("Content-Range"))
		assert.Equal(t, data[990:], rec.Body.Bytes())
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		rec := stream("bytes=5000-")
		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
		assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
	})

	t.Run("MalformedServesFull", func(t *testing.T) {
		rec := stream("items=0-10")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, rec.Body.Bytes(), 1000)
	})

	t.Run("NotFound", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/stream/missing.mp3", nil), cookie)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Traversal", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/stream/..%5Csecret.mp3", nil), cookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("TemporaryFileHidden", func(t *testing.T) {
		partial := filepath.Join(env.config.Storage.UploadRoot, ".upload-0000.tmp")
		require.NoError(t, os.WriteFile(partial, audioBytes(50), 0644))

		rec := env.do(httptest.NewRequest(http.MethodGet, "/stream/.upload-0000.tmp", nil), cookie)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Head", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodHead, "/stream/track.mp3", nil), cookie)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	})
}

func TestSignedURL(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "track.mp3", audioBytes(300))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/songs/track.mp3/signed-url", nil), env.cookie(listenerID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SignedURLResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "track.mp3", resp.Filename)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	signed, err := url.Parse(resp.URL)
	require.NoError(t, err)
	assert.Equal(t, "music.test", signed.Host)

	t.Run("StreamsWithoutSession", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, signed.RequestURI(), nil), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, rec.Body.Bytes(), 300)
	})

	t.Run("BadSignature", func(t *testing.T) {
		q := signed.Query()
		q.Set("signature", strings.Repeat("0", 64))
		rec := env.do(httptest.NewRequest(http.MethodGet, signed.Path+"?"+q.Encode(), nil), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("OtherFile", func(t *testing.T) {
		env.put(t, "other.mp3", audioBytes(10))
		rec := env.do(httptest.NewRequest(http.MethodGet, "/stream/other.mp3?"+signed.RawQuery, nil), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("NotOnOtherRoutes", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/metadata/track.mp3?"+signed.RawQuery, nil), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("MissingFile", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/songs/gone.mp3/signed-url", nil), env.cookie(listenerID))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMetadataAndArtwork(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "Some Song.mp3", audioBytes(2048))
	cookie := env.cookie(listenerID)

	t.Run("MetadataFallback", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/metadata/Some%20Song.mp3", nil), cookie)
		require.Equal(t, http.StatusOK, rec.Code)

		var meta models.TrackMetadata
		decodeJSON(t, rec, &meta)
		assert.Equal(t, "Some Song", meta.Title)
		assert.Equal(t, metadata.UnknownArtist, meta.Artist)
	})

	t.Run("MetadataFromCatalog", func(t *testing.T) {
		env.put(t, "catalogued.mp3", audioBytes(64))
		_, err := env.db.InsertSong(models.Song{
			Filename: "catalogued.mp3",
			Title:    "Around the World",
			Artist:   "Daft Punk",
			FilePath: "catalogued.mp3",
		})
		require.NoError(t, err)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/metadata/catalogued.mp3", nil), cookie)
		require.Equal(t, http.StatusOK, rec.Code)

		var meta models.TrackMetadata
		decodeJSON(t, rec, &meta)
		assert.Equal(t, "Around the World", meta.Title)
		assert.Equal(t, "Daft Punk", meta.Artist)
	})

	t.Run("MetadataMissingFile", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/metadata/never.wav", nil), cookie)
		require.Equal(t, http.StatusOK, rec.Code)

		var meta models.TrackMetadata
		decodeJSON(t, rec, &meta)
		assert.Equal(t, "never", meta.Title)
	})

	for _, name := range []string{"Some%20Song.mp3", "missing.mp3"} {
		t.Run("DefaultArtwork/"+name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, "/art/"+name, nil), cookie)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
			assert.Equal(t, metadata.SourceDefault, rec.Header().Get("X-Artwork-Source"))
			assert.Equal(t, metadata.DefaultArtwork().Data, rec.Body.Bytes())
		})
	}

	t.Run("RequiresSession", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/art/missing.mp3", nil), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestListSongsAndConfig(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "one.mp3", audioBytes(100))
	_, err := env.server.registerFile("one.mp3", 100, adminID)
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/songs", nil), env.cookie(listenerID))
	require.Equal(t, http.StatusOK, rec.Code)

	var songs []models.Song
	decodeJSON(t, rec, &songs)
	require.Len(t, songs, 1)
	assert.Equal(t, "one.mp3", songs[0].Filename)
	assert.Equal(t, "http://music.test/stream/one.mp3", songs[0].PublicURL)
	assert.NotContains(t, rec.Body.String(), "file_path")

	for _, tc := range []struct {
		userID  string
		enabled bool
	}{
		{adminID, true},
		{listenerID, false},
	} {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/config", nil), env.cookie(tc.userID))
		require.Equal(t, http.StatusOK, rec.Code)

		var cfg ConfigResponse
		decodeJSON(t, rec, &cfg)
		assert.Equal(t, tc.userID, cfg.User.ID)
		assert.Equal(t, tc.enabled, cfg.Upload.Enabled)
		assert.Equal(t, 50, cfg.Upload.MaxBatchFiles)
		assert.True(t, cfg.Auth.AllowRegistration)
		assert.Equal(t, []string{"mp3", "wav"}, cfg.Upload.AllowedExtensions)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "one.mp3", audioBytes(100))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	decodeJSON(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Equal(t, 1, health.Files)

	require.NoError(t, env.db.Close())
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncCatalog(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "a.mp3", audioBytes(100))
	env.put(t, "b.wav", audioBytes(100))
	env.put(t, "readme.txt", []byte("skip"))
	_, err := env.db.InsertSong(models.Song{Filename: "gone.mp3", Title: "gone", FilePath: "gone.mp3", CreatedAt: time.Now()})
	require.NoError(t, err)

	report, err := env.server.SyncCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Added: 2, Removed: 1}, report)

	songs, err := env.db.ListSongs()
	require.NoError(t, err)
	require.Len(t, songs, 2)

	report, err = env.server.SyncCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{}, report, "second sync should be a no-op")
}

func TestRescanKeepsUploader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(uploadRequest(t, "file", upload{"big.mp3", audioBytes(2048)}), env.cookie(adminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The watcher registers files it sees without an uploader
	_, err := env.server.registerFile("big.mp3", 2048, "")
	require.NoError(t, err)
	env.server.handleNewFile("big.mp3")

	song, err := env.db.GetSongByFilename("big.mp3")
	require.NoError(t, err)
	assert.Equal(t, adminID, song.UploadedBy)

	count, err := env.db.CountSongs()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWatcherThenUploadRecordsUploader(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "early.mp3", audioBytes(512))

	// Watcher wins the race and inserts first
	_, err := env.server.registerFile("early.mp3", 512, "")
	require.NoError(t, err)
	_, err = env.server.registerFile("early.mp3", 512, adminID)
	require.NoError(t, err)

	song, err := env.db.GetSongByFilename("early.mp3")
	require.NoError(t, err)
	assert.Equal(t, adminID, song.UploadedBy)
}

func TestFileWatcher(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.startFileWatcher())
	t.Cleanup(env.server.stopFileWatcher)

	path := filepath.Join(env.config.Storage.UploadRoot, "dropped.mp3")
	require.NoError(t, os.WriteFile(path, audioBytes(256), 0644))

	require.Eventually(t, func() bool {
		exists, err := env.db.SongExists("dropped.mp3")
		return err == nil && exists
	}, 5*time.Second, 50*time.Millisecond)

	song, err := env.db.GetSongByFilename("dropped.mp3")
	require.NoError(t, err)
	assert.Empty(t, song.UploadedBy)
	assert.Equal(t, "dropped", song.Title)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		exists, err := env.db.SongExists("dropped.mp3")
		return err == nil && !exists
	}, 5*time.Second, 50*time.Millisecond)

	env.server.stopFileWatcher()
	env.server.stopFileWatcher()
}

func TestShippedPages(t *testing.T) {
	dir := filepath.Join("..", "..", config.DefaultConfig().Server.StaticDir)

	pages := map[string]string{
		"login.html":    `action="/login"`,
		"register.html": `action="/register"`,
		"index.html":    `src="/static/app.js"`,
	}
	for page, want := range pages {
		data, err := os.ReadFile(filepath.Join(dir, page))
		require.NoError(t, err, page)
		assert.Contains(t, string(data), want, page)
	}

	for _, asset := range []string{"app.js", "style.css"} {
		_, err := os.Stat(filepath.Join(dir, asset))
		assert.NoError(t, err, asset)
	}
}

func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.panicRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/songs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}
