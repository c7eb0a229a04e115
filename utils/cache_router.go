package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	CacheNoCache = 0
	CacheCustom  = -1
)

// CacheRouter sets cache-control on every response. Public records and user files override it
type CacheRouter struct {
	CacheTime int // defaults to CacheNoCache = 0
	Public    bool
}

func (cr *CacheRouter) Handler() gin.HandlerFunc {
	scope := "private"
	if cr.Public {
		scope = "public"
	}
	return func(c *gin.Context) {
		if cr.CacheTime != CacheCustom {
			if cr.CacheTime == CacheNoCache {
				c.Header("cache-control", "no-cache")
			} else {
				c.Header("cache-control", scope+", max-age="+strconv.Itoa(cr.CacheTime))
			}
		}
		c.Next()
	}
}
