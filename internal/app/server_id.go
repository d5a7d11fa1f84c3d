package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateServerID 生成实例ID，附加到所有日志
// 优先使用环境变量 MARKER_SERVER_ID，否则 marker-server-{hostname}-{uuid前8位}
func GenerateServerID() string {
	if serverID := os.Getenv("MARKER_SERVER_ID"); serverID != "" {
		return serverID
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("marker-server-%s-%s", hostname, uuid.NewString()[:8])
}
