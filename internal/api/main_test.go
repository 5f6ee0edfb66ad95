package api

import (
	"os"
	"testing"

	"flagsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	logger.InitLogger("test")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}
