package server

import (
	"context"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/artfolio/internal/model"
	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/internal/resolver"
	"github.com/nao1215/artfolio/pkg/apierror"
	"github.com/nao1215/artfolio/pkg/middleware"
)

// serviceName はヘルスチェックで返すサービス名。
const serviceName = "artfolio"

// Options はHTTPサーバーの動作設定。
type Options struct {
	// Addr は待ち受けアドレス（例: ":5001"）。
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AllowedOrigins はCORSで許可するオリジン。空または "*" を含む場合はすべて許可する。
	AllowedOrigins []string
	// MaxUploadBytes はアップロードで受け付けるリクエストボディの上限。
	MaxUploadBytes int64
	// Pprof がtrueの場合は /debug/pprof を公開する。
	Pprof bool
	// ShutdownTimeout は停止時に処理中のリクエストを待つ時間。
	ShutdownTimeout time.Duration
}

// Registrar はサーバーに追加のルートを登録する。
// ローカルドライバのオブジェクト配信など、ドライバ固有のエンドポイントに使う。
type Registrar interface {
	Register(r gin.IRouter)
}

// Server はartfolioのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// opts はサーバーの動作設定。
	opts Options
	// gateway は行データとオブジェクトストレージへのアクセス。
	gateway platform.Gateway
	// resolver はアーティストの識別子からプロフィールと作品を解決する。
	resolver *resolver.Resolver
	// verifier はBearerトークンを検証する。
	verifier middleware.Verifier
	logger   *zap.Logger
}

// New は新しいサーバーを生成し、ルーティングを設定する。
func New(gw platform.Gateway, verifier middleware.Verifier, logger *zap.Logger, opts Options, extra ...Registrar) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:   router,
		opts:     opts,
		gateway:  gw,
		resolver: resolver.New(gw, logger),
		verifier: verifier,
		logger:   logger,
	}
	s.setupRoutes(extra)
	return s
}

// Handler はサーバーのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで処理を続ける。
// キャンセル後は処理中のリクエストを待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("HTTPサーバーを起動します", zap.String("addr", s.opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "HTTPサーバーの起動に失敗")
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.logger.Info("HTTPサーバーを停止します")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "HTTPサーバーの停止に失敗")
		}
		return nil
	})
	return group.Wait()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(extra []Registrar) {
	s.router.GET("/", s.handleRoot())
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	// 認証不要の公開エンドポイント
	s.router.GET("/artist-resolver", s.handleArtistResolver())

	// 認証必須のエンドポイント
	api := s.router.Group("/", middleware.Authenticate(s.verifier))
	{
		api.GET("/status", s.handleStatus())
		api.GET("/profile", s.handleGetProfile())
		api.PATCH("/profile", s.handleUpdateProfile())
		api.POST("/upload",
			middleware.RequireRole(middleware.RoleLookupFunc(s.lookupRole), model.RoleCreator),
			s.limitBody(),
			s.handleUpload())
		api.POST("/upload-avatar", s.limitBody(), s.handleUploadAvatar())
		api.GET("/signed-url", s.handleSignedURL())
	}

	for _, r := range extra {
		r.Register(s.router)
	}

	if s.opts.Pprof {
		pprof.Register(s.router)
	}

	s.router.NoRoute(func(c *gin.Context) {
		apierror.Abort(c, errors.WithMessage(apierror.ErrNotFound, c.Request.URL.Path))
	})
}

// lookupRole はprofiles.user_typeから呼び出し元の現在のロールを取得する。
func (s *Server) lookupRole(ctx context.Context, userID string) (string, bool, error) {
	row, err := s.gateway.QueryRow(ctx, model.TableProfiles, model.ColumnID, userID)
	if errors.Is(err, platform.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.String(model.ColumnUserType), true, nil
}

// limitBody はリクエストボディをMaxUploadBytesまでに制限するミドルウェアを返す。
func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
		c.Next()
	}
}
