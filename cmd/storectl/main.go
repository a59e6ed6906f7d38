// storectl 离线维护数据目录：统计、附件回收、索引校验与重建、WAL 恢复和检查点、会话压缩与旧格式迁移
// 守护进程运行时数据目录被锁定，storectl 会直接退出
package main

import (
	"fmt"
	"os"

	applog "github.com/taskerino/backend/internal/infrastructure/log"
)

func main() {
	applog.Init(nil)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
