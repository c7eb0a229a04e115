package main

import (
	"context"
	"fmt"
	"os"
	"pdserver/access"
	"pdserver/auth"
	"pdserver/config"
	"pdserver/contacts"
	"pdserver/db"
	"pdserver/federation"
	"pdserver/filetoken"
	"pdserver/handlers"
	"pdserver/logs"
	"pdserver/messaging"
	"pdserver/metrics"
	"pdserver/models"
	"pdserver/records"
	"pdserver/sharing"
	"pdserver/storage"
	"pdserver/utils"
	"pdserver/validation"
	"pdserver/web"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/autotls"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	pflag.StringVar(&config.BIND_ADDRESS, "bind", config.BIND_ADDRESS, "address to listen on when TLS_DOMAINS is not set")
	pflag.BoolVar(&config.DEBUG_MODE, "debug", config.DEBUG_MODE, "log error responses and SQL, disable gzip")
	mintToken := pflag.String("mint-token", "", "print a new access token for owner:app[:requestor] and exit")
	pflag.Parse()

	db.Init()
	models.Init()
	recordStore := records.NewGormStore(db.Instance)
	if err := recordStore.Migrate(); err != nil {
		panic(err)
	}
	tokens := models.NewTokenStore(db.Instance)
	if *mintToken != "" {
		if err := mint(tokens, *mintToken); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	client := federation.NewClient()
	directory := contacts.NewDirectory(recordStore, config.PUBLIC_URL)
	perms := models.NewPermissionStore(db.Instance)
	users := models.NewUserStore(db.Instance)
	files := storage.Init()
	resolver := access.NewResolver(perms, directory)
	hub := handlers.NewHub(users)

	var fileTokenBacking *models.FileTokenStore
	if config.FILE_TOKENS_DURABLE {
		fileTokenBacking = models.NewFileTokenStore(db.Instance)
	}
	fileTokens := filetoken.New(time.Duration(config.FILE_TOKEN_TTL)*time.Second, fileTokenBacking)
	ctx := context.Background()
	go fileTokens.Run(ctx, time.Minute)
	go cleanupTokens(ctx, tokens, time.Hour)

	if !config.DEBUG_MODE {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	_ = router.SetTrustedProxies([]string{})
	if config.DEBUG_MODE {
		router.Use(utils.ErrorLogMiddleware)
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "PUT", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        30 * 24 * time.Hour,
	}))
	if !config.DEBUG_MODE {
		router.Use(gzip.Gzip(gzip.DefaultCompression, handlers.GzipExcluded))
	}
	router.Use((&utils.CacheRouter{CacheTime: utils.CacheNoCache}).Handler()) // No cache by default, individual end-points can override that

	h := &handlers.Handlers{
		Auth:     &auth.Router{Base: router, Tokens: tokens, Resolver: resolver},
		Resolver: resolver,
		Records:  recordStore,
		Perms:    perms,
		Users:    users,
		Sharing: &sharing.Engine{
			Perms:    perms,
			Public:   models.NewPublicRecordStore(db.Instance),
			Feeds:    models.NewPrivateFeedStore(db.Instance),
			Users:    users,
			Records:  recordStore,
			Contacts: directory,
			Pages:    files,
			Self:     config.PUBLIC_URL,
		},
		Messaging: &messaging.Protocol{
			Messages: models.NewMessageStore(db.Instance),
			Perms:    perms,
			Users:    users,
			Records:  recordStore,
			Contacts: directory,
			Client:   client,
			Notify:   hub,
		},
		Validation: &validation.Service{
			Tokens:   tokens,
			Perms:    perms,
			Contacts: directory,
			Client:   client,
		},
		FileTokens: fileTokens,
		Files:      files,
		Hub:        hub,
	}
	h.Register(router)
	(&web.Public{Records: h.Sharing.Public, Feeds: h.Sharing.Feeds, FileTokens: fileTokens}).Register(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	var err error
	if config.TLS_DOMAINS != "" {
		err = autotls.Run(router, strings.Split(config.TLS_DOMAINS, ",")...)
	} else {
		err = router.Run(config.BIND_ADDRESS)
	}
	logs.Error.Fatalf("Server stopped: %v", err)
}

// mint creates an access token from the command line, for an owner's own apps
func mint(tokens *models.TokenStore, arg string) error {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("--mint-token wants owner:app[:requestor], got %q", arg)
	}
	requestor := parts[0]
	if len(parts) == 3 && parts[2] != "" {
		requestor = parts[2]
	}
	users := models.NewUserStore(db.Instance)
	user, err := users.Get(parts[0])
	if err != nil {
		return err
	}
	if user == nil {
		if err = users.Save(&models.User{ID: parts[0]}); err != nil {
			return err
		}
	}
	t := &models.AccessToken{
		Token:       utils.RandToken(),
		OwnerID:     parts[0],
		RequestorID: requestor,
		AppName:     parts[1],
		Expiration:  time.Now().Add(time.Duration(config.ACCESS_TOKEN_TTL) * time.Second).Unix(),
	}
	if err = tokens.CreateAccessToken(t); err != nil {
		return err
	}
	fmt.Println(t.Token)
	return nil
}

func cleanupTokens(ctx context.Context, tokens *models.TokenStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tokens.DeleteExpired(time.Now()); err != nil {
				logs.Error.Printf("Deleting expired tokens: %v", err)
			}
		}
	}
}
