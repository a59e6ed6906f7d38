//go:build integration
// +build integration

// TestDaemon 管理独立 taskerino 守护进程的启动与关闭
package framework

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// TestDaemon 测试守护进程
type TestDaemon struct {
	Name     string // 角色名称
	HTTPPort int    // HTTP 端口
	DataDir  string // 数据目录（隔离）
	Backend  string // 存储后端，空表示默认文件后端

	binaryPath string
	cmd        *exec.Cmd
	baseURL    string
}

// DaemonOption 守护进程配置选项
type DaemonOption func(*TestDaemon)

// WithBackend 指定存储后端
func WithBackend(backend string) DaemonOption {
	return func(d *TestDaemon) {
		d.Backend = backend
	}
}

// NewTestDaemon 创建测试守护进程
func NewTestDaemon(binaryPath, name string, opts ...DaemonOption) (*TestDaemon, error) {
	// 分配空闲端口
	httpPort, err := getFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate HTTP port: %w", err)
	}

	// 创建隔离的数据目录
	dataDir, err := os.MkdirTemp("", fmt.Sprintf("taskerino-test-%s-", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d := &TestDaemon{
		Name:       name,
		HTTPPort:   httpPort,
		DataDir:    dataDir,
		binaryPath: binaryPath,
		baseURL:    fmt.Sprintf("http://localhost:%d", httpPort),
	}

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *TestDaemon) command() *exec.Cmd {
	cmd := exec.Command(d.binaryPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TASKERINO_DATA_DIR=%s", d.DataDir),
		fmt.Sprintf("TASKERINO_HTTP_PORT=:%d", d.HTTPPort),
		"TASKERINO_GC_GRACE_PERIOD=0s",
		"GIN_MODE=test",
	)
	if d.Backend != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("TASKERINO_STORAGE_BACKEND=%s", d.Backend))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Start 启动守护进程并等待就绪
func (d *TestDaemon) Start() error {
	d.cmd = d.command()
	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon %s: %w", d.Name, err)
	}

	// 等待 health 端点就绪
	return d.waitForReady(30 * time.Second)
}

// Restart 优雅停止后用同一数据目录和端口重新启动
func (d *TestDaemon) Restart() error {
	if err := d.StopWithCleanup(false); err != nil {
		return err
	}
	return d.Start()
}

// Kill 直接杀死进程，不给排空队列的机会
func (d *TestDaemon) Kill() error {
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	if err := d.cmd.Process.Kill(); err != nil {
		return err
	}
	_ = d.cmd.Wait()
	d.cmd = nil
	return nil
}

// Stop 停止守护进程并清理数据目录
func (d *TestDaemon) Stop() error {
	return d.StopWithCleanup(true)
}

// StopWithCleanup 停止守护进程，可选择是否清理数据目录
func (d *TestDaemon) StopWithCleanup(cleanup bool) error {
	if d.cmd != nil && d.cmd.Process != nil {
		// 发送关闭信号
		_ = d.cmd.Process.Signal(os.Interrupt)

		// 等待进程退出（最多 10 秒，关闭时会排空写回队列）
		done := make(chan error, 1)
		go func() {
			done <- d.cmd.Wait()
		}()

		select {
		case <-done:
			// 正常退出
		case <-time.After(10 * time.Second):
			// 强制杀进程
			_ = d.cmd.Process.Kill()
			<-done
		}
		d.cmd = nil
	}

	// 可选清理数据目录
	if cleanup {
		return os.RemoveAll(d.DataDir)
	}
	return nil
}

// BaseURL 返回 HTTP 基础 URL
func (d *TestDaemon) BaseURL() string {
	return d.baseURL
}

// waitForReady 等待守护进程 health 端点就绪
func (d *TestDaemon) waitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		resp, err := client.Get(d.baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	return fmt.Errorf("daemon %s failed to become ready within %v", d.Name, timeout)
}

// getFreePort 获取一个空闲的 TCP 端口
func getFreePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
