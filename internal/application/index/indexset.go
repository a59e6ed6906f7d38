package index

import (
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
)

// document 建索引时从元数据中提取的字段
type document struct {
	ID        string    `json:"id"`
	Terms     []string  `json:"terms,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Category  string    `json:"category,omitempty"`
	Status    string    `json:"status,omitempty"`
	StartTime time.Time `json:"startTime"`
}

func newDocument(meta *domainSession.Metadata) *document {
	return &document{
		ID:        meta.ID,
		Terms:     Tokenize(meta.Name + " " + meta.Description),
		Tags:      normalizeAll(meta.Tags),
		Category:  normalize(meta.Category),
		Status:    normalize(string(meta.Status)),
		StartTime: meta.StartTime,
	}
}

func (d *document) bucket() string {
	if d.StartTime.IsZero() {
		return ""
	}
	return d.StartTime.UTC().Format(dateBucketLayout)
}

// postings 索引键 -> 会话 ID 集合
type postings map[string]map[string]struct{}

func (p postings) add(key, id string) {
	if key == "" {
		return
	}
	ids, ok := p[key]
	if !ok {
		ids = make(map[string]struct{})
		p[key] = ids
	}
	ids[id] = struct{}{}
}

// remove 集合为空时删除索引键
func (p postings) remove(key, id string) {
	ids, ok := p[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(p, key)
	}
}

func (p postings) ids(key string) []string {
	return lo.Keys(p[key])
}

// indexSet 一组完整的倒排索引及其来源文档
type indexSet struct {
	docs       map[string]*document
	text       postings
	tags       postings
	categories postings
	statuses   postings
	dates      postings
}

func newIndexSet() *indexSet {
	return &indexSet{
		docs:       make(map[string]*document),
		text:       make(postings),
		tags:       make(postings),
		categories: make(postings),
		statuses:   make(postings),
		dates:      make(postings),
	}
}

// add 已存在的文档先移除旧的索引项
func (s *indexSet) add(doc *document) {
	s.remove(doc.ID)
	s.docs[doc.ID] = doc
	for _, term := range doc.Terms {
		s.text.add(term, doc.ID)
	}
	for _, tag := range doc.Tags {
		s.tags.add(tag, doc.ID)
	}
	s.categories.add(doc.Category, doc.ID)
	s.statuses.add(doc.Status, doc.ID)
	s.dates.add(doc.bucket(), doc.ID)
}

func (s *indexSet) remove(id string) bool {
	doc, ok := s.docs[id]
	if !ok {
		return false
	}
	delete(s.docs, id)
	for _, term := range doc.Terms {
		s.text.remove(term, id)
	}
	for _, tag := range doc.Tags {
		s.tags.remove(tag, id)
	}
	s.categories.remove(doc.Category, id)
	s.statuses.remove(doc.Status, id)
	s.dates.remove(doc.bucket(), id)
	return true
}

// allIDs 文档及各索引中出现过的全部 ID
func (s *indexSet) allIDs() []string {
	seen := make(map[string]struct{}, len(s.docs))
	for id := range s.docs {
		seen[id] = struct{}{}
	}
	for _, p := range s.all() {
		for _, ids := range p {
			for id := range ids {
				seen[id] = struct{}{}
			}
		}
	}
	return lo.Keys(seen)
}

func (s *indexSet) all() map[search.IndexKind]postings {
	return map[search.IndexKind]postings{
		search.IndexText:     s.text,
		search.IndexTag:      s.tags,
		search.IndexCategory: s.categories,
		search.IndexStatus:   s.statuses,
		search.IndexDate:     s.dates,
	}
}

// documents 按 ID 排序的文档列表
func (s *indexSet) documents() []*document {
	docs := lo.Values(s.docs)
	sortDocuments(docs)
	return docs
}

func sortDocuments(docs []*document) {
	slices.SortFunc(docs, func(a, b *document) int {
		return strings.Compare(a.ID, b.ID)
	})
}
