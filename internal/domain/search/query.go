// Package search 定义索引查询、结果与关系类型
package search

import (
	"strings"
	"time"
)

// Operator 不同过滤维度之间的组合方式
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// Normalize 未识别的取值按 AND 处理
func (o Operator) Normalize() Operator {
	if strings.EqualFold(string(o), string(OperatorOr)) {
		return OperatorOr
	}
	return OperatorAnd
}

// DateRange 闭区间日期范围，零值端点表示不限
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Query 会话查询
// 同一维度内多个取值的组合方式也由 Operator 决定（AND 即“全部包含”）；
// Status 与日期桶属于单值字段，维度内总是取并集
type Query struct {
	Text      string     `json:"text,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Category  string     `json:"category,omitempty"`
	Status    []string   `json:"status,omitempty"`
	DateRange *DateRange `json:"dateRange,omitempty"`
	Operator  Operator   `json:"operator,omitempty"`
	// Limit <=0 表示不限制
	Limit int `json:"limit,omitempty"`
}

// IsEmpty 没有任何过滤条件
func (q Query) IsEmpty() bool {
	return strings.TrimSpace(q.Text) == "" &&
		len(q.Tags) == 0 &&
		q.Category == "" &&
		len(q.Status) == 0 &&
		q.DateRange == nil
}

// IndexKind 索引种类
type IndexKind string

const (
	IndexText     IndexKind = "text"
	IndexTag      IndexKind = "tag"
	IndexCategory IndexKind = "category"
	IndexStatus   IndexKind = "status"
	IndexDate     IndexKind = "date"
)

// Result 查询结果
type Result struct {
	IDs         []string    `json:"ids"`
	Total       int         `json:"total"`
	ElapsedMs   float64     `json:"elapsedMs"`
	IndexesUsed []IndexKind `json:"indexesUsed"`
}

// IntegrityReport 索引一致性检查结果
type IntegrityReport struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
	Orphans []string `json:"orphans"`
	Checked int      `json:"checked"`
}

// IndexStats 索引统计
type IndexStats struct {
	Documents   int       `json:"documents"`
	TextTerms   int       `json:"textTerms"`
	Tags        int       `json:"tags"`
	Categories  int       `json:"categories"`
	Statuses    int       `json:"statuses"`
	DateBuckets int       `json:"dateBuckets"`
	LastBuiltAt time.Time `json:"lastBuiltAt,omitempty"`
	Updates     uint64    `json:"updates"`
}
