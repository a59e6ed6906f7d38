package singleton

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ServiceName /health 返回的服务标识，用来区分占用端口的是不是本服务
const ServiceName = "taskerino-storage"

// wsaeaddrinuse Windows 上的 WSAEADDRINUSE
const wsaeaddrinuse = syscall.Errno(10048)

// ErrPortBusy 端口被占用，且占用者不是健康的本服务实例
var ErrPortBusy = errors.New("port is held by another process")

// Health /health 响应体
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthOK 本服务健康时返回的内容
func HealthOK() Health {
	return Health{Status: "ok", Service: ServiceName}
}

// CheckAndLock 检查端口，可用时返回 listener
// 已有健康的本服务实例在运行时返回 nil, nil，调用方应当退出
func CheckAndLock(addr string, timeout time.Duration) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err == nil {
		return listener, nil
	}
	if !isAddrInUse(err) {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if err := checkInstance(addr, timeout); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortBusy, addr, err)
	}
	return nil, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, wsaeaddrinuse)
}

// checkInstance 访问 /health，只有返回本服务标识且状态为 ok 才算已有实例
func checkInstance(addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(healthURL(addr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}

	var health Health
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&health); err != nil {
		return fmt.Errorf("unrecognized health response: %w", err)
	}
	if health.Service != ServiceName {
		return fmt.Errorf("port served by %q", health.Service)
	}
	if health.Status != "ok" {
		return fmt.Errorf("instance reports status %q", health.Status)
	}
	return nil
}

// healthURL 监听地址的主机部分为空或为通配地址时改用 localhost
func healthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://localhost%s/health", addr)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port))
}
