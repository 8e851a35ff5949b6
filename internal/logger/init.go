package logger

import (
	"io"
	"log"
)

// InitLogger 初始化日志器
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Logger initialized")
}

// SetOutput 重定向控制台日志，测试中用于静默
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
