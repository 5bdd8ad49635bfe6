package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ========================================
// Snapshot Index - 无障碍快照索引
// ========================================

// Snapshot 带时间戳的无障碍快照
type Snapshot struct {
	TimeStamp float64
	Tree      json.RawMessage
}

// loadSnapshots 读取快照 jsonl, treeField 指定承载树的字段名
// 文件缺失视为空索引
func loadSnapshots(path, treeField string) ([]Snapshot, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	lines, err := readJSONLines(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(lines))
	for _, line := range lines {
		// gjson 对截断输入很宽容, 非完整对象的行必须显式丢弃
		if !gjson.ValidBytes(line) {
			LogWarn("matcher").Str("path", path).Msg("skipping malformed snapshot line")
			continue
		}
		parsed := gjson.ParseBytes(line)
		if !parsed.IsObject() {
			continue
		}
		ts := parsed.Get("time_stamp")
		tree := parsed.Get(treeField)
		if !ts.Exists() {
			continue
		}
		var raw json.RawMessage
		if tree.Exists() {
			raw = json.RawMessage(tree.Raw)
		}
		snapshots = append(snapshots, Snapshot{TimeStamp: ts.Float(), Tree: raw})
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].TimeStamp < snapshots[j].TimeStamp
	})
	return snapshots, nil
}

// findNearestSnapshot 时间上最接近的快照
func findNearestSnapshot(ts float64, snapshots []Snapshot) int {
	idx := 0
	for idx < len(snapshots) && snapshots[idx].TimeStamp < ts {
		idx++
	}
	if idx == 0 {
		return 0
	}
	if idx != len(snapshots) {
		prev := idx - 1
		if ts-snapshots[prev].TimeStamp < snapshots[idx].TimeStamp-ts {
			return prev
		}
		return idx
	}
	return idx - 1
}

// findPredSnapshot 时间上最后一个不晚于 ts 的快照
func findPredSnapshot(ts float64, snapshots []Snapshot) int {
	idx := 0
	for idx < len(snapshots) && snapshots[idx].TimeStamp < ts {
		idx++
	}
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// ========================================
// Target Predictor - 目标兜底预测
// ========================================

// TargetQuery 无法本地判定目标时的兜底查询
type TargetQuery struct {
	ID          int        `json:"id"`
	Timestamp   float64    `json:"timestamp"`
	Action      string     `json:"action"`
	Description string     `json:"description"`
	Coordinate  Coordinate `json:"coordinate"`
}

// TargetPredictor 目标预测协作方 (通常由视觉模型实现)
type TargetPredictor interface {
	PredictTargets(recordingPath string, queries []TargetQuery) ([]map[string]interface{}, error)
}

// ========================================
// Matching - 快照挂接到动作
// ========================================

// MatchAxtree 给每个动作挂接其起始时间之前最近的窗口树
func (r *Reducer) MatchAxtree() error {
	snapshots, err := loadSnapshots(filepath.Join(r.recordingPath, "a11y.jsonl"), "axtree")
	if err != nil {
		return err
	}
	for _, a := range r.reducedActions {
		idx := findPredSnapshot(a.StartTime, snapshots)
		if idx >= 0 && idx < len(snapshots) {
			a.Axtree = snapshots[idx].Tree
		} else {
			a.Axtree = nil
		}
	}
	return nil
}

// MatchElement 点击动作解析目标元素, 无法判定的进入兜底预测
func (r *Reducer) MatchElement() error {
	snapshots, err := loadSnapshots(filepath.Join(r.recordingPath, "element.jsonl"), "a11y_tree")
	if err != nil {
		return err
	}

	for _, a := range r.reducedActions {
		if a.Kind != ActionClick {
			continue
		}
		if len(snapshots) == 0 {
			a.Target = nil
			continue
		}

		idx := findNearestSnapshot(a.StartTime, snapshots)
		if a.Axtree != nil {
			a.PastFrameTarget = ParseElement(a.Axtree, a.Coordinate.X, a.Coordinate.Y)
		}
		a.Target = ParseElement(snapshots[idx].Tree, a.Coordinate.X, a.Coordinate.Y)

		if a.Target != nil {
			if a.Axtree != nil {
				if isUsefulTarget(a.Target) {
					a.Target["mark"] = true
				} else {
					a.Target["mark"] = false
					if a.PastFrameTarget != nil {
						a.PastFrameTarget["mark"] = true
					}
				}
			} else {
				a.Target["mark"] = true
			}
		}
	}

	r.predictMissingTargets()
	return nil
}

// predictMissingTargets 收集目标无效的点击并调用兜底预测
func (r *Reducer) predictMissingTargets() {
	var queries []TargetQuery
	for index, a := range r.reducedActions {
		if a.Kind != ActionClick {
			continue
		}

		needPredict := false
		if a.Axtree != nil {
			texts := extractTextFromTree(a.Axtree)
			MatcherLog().
				Int("text_nodes", len(texts)).
				Bool("useful", isUsefulTarget(a.Target)).
				Msg("click target checked")
			// 树内几乎没有文本说明拿到的是空壳
			needPredict = len(texts) < 10 && !isUsefulTarget(a.Target)
		} else {
			needPredict = !isUsefulTarget(a.Target)
		}

		if needPredict {
			queries = append(queries, TargetQuery{
				ID:          index,
				Timestamp:   a.StartTime,
				Action:      a.Kind,
				Description: a.Description,
				Coordinate:  a.Coordinate,
			})
		}
	}

	if len(queries) == 0 || r.predictor == nil {
		return
	}

	results, err := r.predictor.PredictTargets(r.recordingPath, queries)
	if err != nil {
		LogError("matcher").Err(err).Msg("target prediction failed")
		return
	}
	for i, result := range results {
		if i >= len(queries) {
			break
		}
		a := r.reducedActions[queries[i].ID]
		a.PredictedTarget = result
		if a.Target != nil {
			a.Target["mark"] = false
		}
		if a.PastFrameTarget != nil {
			a.PastFrameTarget["mark"] = false
		}
	}
}

// ========================================
// Target Usefulness - 目标有效性判定
// ========================================

// genericRoleDescriptions 无定位价值的容器类角色
var genericRoleDescriptions = map[string]struct{}{
	"group":       {},
	"scroll area": {},
	"table row":   {},
	"tooltip":     {},
}

// isUsefulTarget 过滤纯容器与裸文本/图片目标
func isUsefulTarget(target map[string]interface{}) bool {
	if target == nil {
		return false
	}
	if mark, ok := target["mark"]; ok {
		b, _ := mark.(bool)
		return b
	}
	if len(target) == 0 {
		return false
	}
	if rd, ok := target["role_description"].(string); ok {
		if _, generic := genericRoleDescriptions[rd]; generic {
			return false
		}
		if (rd == "text" || rd == "image") && len(target) == 1 {
			return false
		}
	}
	return true
}

// ========================================
// Tree Text Extraction - 树内文本提取
// ========================================

// textAttrKeys 快照中承载可读文本的字段
var textAttrKeys = map[string]struct{}{
	"AXTitle":       {},
	"AXDescription": {},
	"AXValue":       {},
	"Name":          {},
}

var nonWordPattern = regexp.MustCompile(`[^\w\s]`)
var alnumPattern = regexp.MustCompile(`[a-zA-Z0-9]`)

// extractTextFromTree 收集树内所有可读文本, 清洗去重后排序
func extractTextFromTree(raw json.RawMessage) []string {
	var texts []string
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		if v.IsObject() {
			v.ForEach(func(key, value gjson.Result) bool {
				if _, ok := textAttrKeys[key.String()]; ok {
					switch value.Type {
					case gjson.String, gjson.Number:
						texts = append(texts, value.String())
					}
				}
				if value.IsObject() || value.IsArray() {
					walk(value)
				}
				return true
			})
			return
		}
		if v.IsArray() {
			v.ForEach(func(_, item gjson.Result) bool {
				walk(item)
				return true
			})
		}
	}
	walk(gjson.ParseBytes(raw))
	return cleanTextLines(texts)
}

// cleanTextLines 去掉无字母数字的行与标点, 去重排序
func cleanTextLines(lines []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, line := range lines {
		if !alnumPattern.MatchString(line) {
			continue
		}
		line = nonWordPattern.ReplaceAllString(line, "")
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}
