// Package web serves published records to anyone, without an access token.
package web

import (
	"net/http"
	"pdserver/filetoken"
	"pdserver/handlers"
	"pdserver/logs"
	"pdserver/models"
	"pdserver/records"
	"pdserver/utils"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxPageSize = 200

type Public struct {
	Records    *models.PublicRecordStore
	Feeds      *models.PrivateFeedStore
	FileTokens *filetoken.Cache
}

// Register adds the public routes. Published content may be cached by proxies for a minute
func (p *Public) Register(router gin.IRouter) {
	cache := (&utils.CacheRouter{CacheTime: 60, Public: true}).Handler()
	router.GET("/public/objects/*public_id", cache, p.Object)
	router.GET("/public/query", cache, p.Query)
	router.GET("/public/feed/:owner/:feed", p.Feed)
	router.GET("/public/filetoken/*public_id", p.FileToken)
	router.GET("/robots.txt", DisallowRobots)
}

func paging(c *gin.Context) (skip, count int) {
	skip, _ = strconv.Atoi(c.Query("skip"))
	count, _ = strconv.Atoi(c.Query("count"))
	if skip < 0 {
		skip = 0
	}
	if count <= 0 || count > maxPageSize {
		count = maxPageSize
	}
	return
}

// canSee checks the access code of records that are not public
func (p *Public) canSee(r *models.PublicRecord, code string) bool {
	if r.IsPublic {
		return true
	}
	if code == "" {
		return false
	}
	if r.HasCode(code) {
		return true
	}
	for _, name := range r.PrivateFeedNames {
		feed, err := p.Feeds.Get(r.DataOwner, name)
		if err != nil {
			logs.Error.Printf("Loading feed %s/%s: %v", r.DataOwner, name, err)
			continue
		}
		if feed != nil && feed.Code == code {
			return true
		}
	}
	return false
}

// visible loads a live publication the caller may see, nil after a response was written
func (p *Public) visible(c *gin.Context) *models.PublicRecord {
	r, err := p.Records.Get(strings.TrimPrefix(c.Param("public_id"), "/"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, handlers.DBErrorResponse)
		return nil
	}
	if r == nil || !r.IsAlive() || !p.canSee(r, c.Query("code")) {
		c.JSON(http.StatusNotFound, handlers.Response{Error: "not found"})
		return nil
	}
	return r
}

// Object returns a published record, or its html page when it was published as one
func (p *Public) Object(c *gin.Context) {
	r := p.visible(c)
	if r == nil {
		return
	}
	if r.IsHtmlMainPage && r.HtmlPage != "" && c.Query("format") != "json" {
		c.Header("cache-control", "no-cache")
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(r.HtmlPage))
		return
	}
	c.JSON(http.StatusOK, r)
}

type FileTokenResponse struct {
	FileToken string `json:"fileToken"`
	URL       string `json:"url"`
}

// FileToken hands out a token for the user file behind a published record of an app's files table
func (p *Public) FileToken(c *gin.Context) {
	r := p.visible(c)
	if r == nil {
		return
	}
	app, isFile := strings.CutSuffix(r.OriginalAppTable, records.FilesTableSuffix)
	if !isFile || app == "" {
		c.JSON(http.StatusNotFound, handlers.Response{Error: "not a file"})
		return
	}
	path := utils.CleanPath(r.OriginalRecordID)
	token, err := p.FileTokens.Issue(filetoken.Key(app, r.DataOwner, path))
	if err != nil {
		logs.Error.Printf("Issuing file token for %s: %v", r.PublicID, err)
		c.JSON(http.StatusInternalServerError, handlers.DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, FileTokenResponse{
		FileToken: token,
		URL:       "/feps/userfiles/" + app + "/" + r.DataOwner + "/" + path + "?fileToken=" + token,
	})
}

// Query lists public records, filtered by owner, app and search words (q, space separated)
func (p *Public) Query(c *gin.Context) {
	skip, count := paging(c)
	found, err := p.Records.Listed(models.PublicQuery{
		Owner: c.Query("owner"),
		App:   c.Query("app"),
		Words: strings.Fields(strings.ToLower(c.Query("q"))),
		Skip:  skip,
		Count: count,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, handlers.DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, found)
}

// Feed lists the records of an owner's private feed to holders of its code
func (p *Public) Feed(c *gin.Context) {
	owner, name := c.Param("owner"), c.Param("feed")
	feed, err := p.Feeds.Get(owner, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handlers.DBErrorResponse)
		return
	}
	if feed == nil || c.Query("code") != feed.Code {
		c.JSON(http.StatusNotFound, handlers.Response{Error: "not found"})
		return
	}
	skip, count := paging(c)
	found, err := p.Records.InFeed(owner, name, skip, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handlers.DBErrorResponse)
		return
	}
	c.JSON(http.StatusOK, found)
}

func DisallowRobots(c *gin.Context) {
	c.String(http.StatusOK, "User-agent: *\nDisallow: /\n")
}
