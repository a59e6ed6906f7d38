package attachment

// Stats 内容寻址存储统计
type Stats struct {
	TotalAttachments int     `json:"totalAttachments"`
	TotalReferences  int     `json:"totalReferences"`
	TotalBytes       int64   `json:"totalBytes"`
	AvgReferences    float64 `json:"avgReferences"`
	// DedupSavings 若不去重需要额外存储的字节数
	DedupSavings int64 `json:"dedupSavings"`
	// Unreferenced 等待回收的对象数
	Unreferenced int `json:"unreferenced"`
	// Corrupt 元数据无法读取的对象数
	Corrupt int `json:"corrupt"`
}

// GCProgress 垃圾回收进度
type GCProgress struct {
	Scanned    int    `json:"scanned"`
	Total      int    `json:"total"`
	Deleted    int    `json:"deleted"`
	FreedBytes int64  `json:"freedBytes"`
	Current    string `json:"current,omitempty"`
}

// GCResult 垃圾回收结果
type GCResult struct {
	Scanned    int   `json:"scanned"`
	Deleted    int   `json:"deleted"`
	FreedBytes int64 `json:"freedBytes"`
	// Skipped 未引用但仍在宽限期内的对象
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"durationMs"`
}

// GCUpdate 流式回收时推送的值，Result 非空表示结束
type GCUpdate struct {
	Progress *GCProgress `json:"progress,omitempty"`
	Result   *GCResult   `json:"result,omitempty"`
	Err      error       `json:"-"`
}
