package utils

import (
	"pdserver/logs"

	"github.com/gin-gonic/gin"
)

type errorLogWriter struct {
	gin.ResponseWriter
	gc *gin.Context
}

func (w errorLogWriter) Write(b []byte) (int, error) {
	status := w.gc.Writer.Status()
	if status >= 400 {
		logs.Warning.Printf("[%s %s] status %d, body: %s", w.gc.Request.Method, w.gc.FullPath(), status, string(b))
	}
	return w.ResponseWriter.Write(b)
}

// ErrorLogMiddleware logs every error response body. It doesn't work with GZIP
func ErrorLogMiddleware(c *gin.Context) {
	blw := &errorLogWriter{gc: c, ResponseWriter: c.Writer}
	c.Writer = blw
	c.Next()
}
