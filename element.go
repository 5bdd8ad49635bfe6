package main

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// ========================================
// Element Tree - 无障碍元素树打分
// ========================================

// 位置命中打分参数
const (
	// elementMaxArea 超过该面积的元素位置得分趋近 0
	elementMaxArea = 1920 * 1020 / 2
	// elementMinArea 小于该面积的元素位置命中直接满分
	elementMinArea = 1000
)

// positionHitBase 对数打分的底
var positionHitBase = math.Exp(math.Log(float64(elementMaxArea) / float64(elementMinArea)))

// 构树规则
const (
	// BuildRuleBounding 子节点 frame 必须完全包含于最近祖先的 rect
	BuildRuleBounding = "bounding"
	// BuildRuleGeneral 不做包含性过滤
	BuildRuleGeneral = "general"
)

// ElementRect 元素外接矩形
type ElementRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ElementNode 元素节点, 树以扁平数组存储, 父子关系用下标表示
type ElementNode struct {
	Parent   int
	Children []int
	Index    int

	Title           *string
	Description     *string
	Value           *string
	Role            *string
	Subrole         *string
	RoleDescription *string
	Orientation     *string
	Enabled         *bool
	Rect            *ElementRect

	Score    float64
	sibScore *float64
}

// ElementTree 以点击坐标为上下文的元素树
type ElementTree struct {
	nodes []ElementNode
	x, y  float64
	// simCache 对称相似度缓存, 键为 (min, max) 下标对
	simCache map[[2]int]float64
}

// NewElementTree 创建空树
func NewElementTree(x, y float64) *ElementTree {
	return &ElementTree{
		x:        x,
		y:        y,
		simCache: make(map[[2]int]float64),
	}
}

// childListKeys 各平台快照中可能承载子节点的字段, 按优先级排列
var childListKeys = []string{
	"AXChildrenInNavigationOrder",
	"AXVisibleChildren",
	"AXRows",
	"AXChildren",
	"AXColumns",
}

// BuildFromJSON 从快照 JSON 构树, 返回根下标, 无有效节点返回 -1
func (t *ElementTree) BuildFromJSON(raw json.RawMessage, rule string) int {
	data := gjson.ParseBytes(raw)
	if !data.IsObject() {
		return -1
	}
	return t.build(data, -1, 0, rule, false, nil)
}

// build 递归构建一个节点及其子树
// skipAncestor: 已处理过焦点祖先提升, 避免无限递归
// rectFallback: 祖先节点缺失 frame 时的回退矩形
func (t *ElementTree) build(data gjson.Result, parent, index int, rule string, skipAncestor bool, rectFallback *ElementRect) int {
	// 焦点祖先提升: 以可聚焦/可编辑祖先为节点, 原节点降级为其子节点
	if !skipAncestor {
		anc := data.Get("AXFocusableAncestor")
		if !anc.Exists() {
			anc = data.Get("AXHighestEditableAncestor")
		}
		if anc.Exists() && anc.IsObject() {
			fallback := parseRect(data.Get("AXFrame"))
			ancIdx := t.build(anc, parent, index, rule, true, fallback)
			if ancIdx >= 0 {
				childIdx := t.build(data, ancIdx, len(t.nodes[ancIdx].Children), rule, true, nil)
				if childIdx >= 0 {
					t.nodes[ancIdx].Children = append(t.nodes[ancIdx].Children, childIdx)
				}
			}
			return ancIdx
		}
	}

	node := ElementNode{Parent: parent, Index: index}
	node.Title = stringAttr(data, "AXTitle", "title")
	node.Description = stringAttr(data, "AXDescription", "AXHelp", "description")
	node.Value = stringAttr(data, "AXValue", "value")
	node.Role = stringAttr(data, "AXRole", "role")
	node.Subrole = stringAttr(data, "AXSubrole", "subrole")
	node.RoleDescription = stringAttr(data, "AXRoleDescription", "role_description")
	node.Orientation = stringAttr(data, "AXOrientation", "orientation")
	if v := data.Get("AXEnabled"); v.Exists() && (v.Type == gjson.True || v.Type == gjson.False) {
		b := v.Bool()
		node.Enabled = &b
	}
	node.Rect = parseRect(data.Get("AXFrame"))
	if node.Rect == nil {
		node.Rect = parseRect(data.Get("rect"))
	}
	if node.Rect == nil {
		node.Rect = rectFallback
	}

	idx := len(t.nodes)
	t.nodes = append(t.nodes, node)

	for _, key := range childListKeys {
		children := data.Get(key)
		if children.Exists() && children.IsArray() {
			t.buildChildren(idx, children, rule)
		}
	}
	cg := data.Get("children")
	if cg.Exists() && cg.IsArray() {
		t.buildChildren(idx, cg, rule)
	}
	return idx
}

// buildChildren 按规则构建子节点
func (t *ElementTree) buildChildren(parent int, children gjson.Result, rule string) {
	i := 0
	children.ForEach(func(_, child gjson.Result) bool {
		index := i
		i++
		if !child.IsObject() {
			return true
		}

		switch rule {
		case BuildRuleBounding:
			frame := parseRect(child.Get("AXFrame"))
			if frame == nil {
				// 无 frame 但有子节点的容器仍然保留
				if hasChildList(child) {
					childIdx := t.build(child, parent, index, rule, false, nil)
					if childIdx >= 0 && len(t.nodes[childIdx].Children) > 0 {
						t.nodes[parent].Children = append(t.nodes[parent].Children, childIdx)
					}
				}
				return true
			}
			ancestor := t.nearestAncestorRect(parent)
			if ancestor != nil {
				if frame.W <= 0 || frame.H <= 0 ||
					frame.X < ancestor.X || frame.Y < ancestor.Y ||
					frame.X+frame.W > ancestor.X+ancestor.W ||
					frame.Y+frame.H > ancestor.Y+ancestor.H {
					return true
				}
			}
			childIdx := t.build(child, parent, index, rule, false, nil)
			if childIdx >= 0 {
				t.nodes[parent].Children = append(t.nodes[parent].Children, childIdx)
			}
		default:
			childIdx := t.build(child, parent, index, rule, false, nil)
			if childIdx >= 0 {
				t.nodes[parent].Children = append(t.nodes[parent].Children, childIdx)
			}
		}
		return true
	})
}

func hasChildList(data gjson.Result) bool {
	for _, key := range childListKeys {
		if data.Get(key).Exists() {
			return true
		}
	}
	return data.Get("children").Exists()
}

// nearestAncestorRect 向上查找最近的有效矩形
func (t *ElementTree) nearestAncestorRect(idx int) *ElementRect {
	for idx >= 0 {
		if t.nodes[idx].Rect != nil {
			return t.nodes[idx].Rect
		}
		idx = t.nodes[idx].Parent
	}
	return nil
}

// parseRect 解析矩形, 支持 {x,y,w,h} 与 {left,top,right,bottom} 两种形态
func parseRect(v gjson.Result) *ElementRect {
	if v.Type == gjson.String {
		v = gjson.Parse(v.String())
	}
	if !v.IsObject() {
		return nil
	}
	if v.Get("left").Exists() {
		left, top := v.Get("left").Float(), v.Get("top").Float()
		return &ElementRect{
			X: left,
			Y: top,
			W: v.Get("right").Float() - left,
			H: v.Get("bottom").Float() - top,
		}
	}
	if !v.Get("x").Exists() && !v.Get("w").Exists() {
		return nil
	}
	return &ElementRect{
		X: v.Get("x").Float(),
		Y: v.Get("y").Float(),
		W: v.Get("w").Float(),
		H: v.Get("h").Float(),
	}
}

// stringAttr 取第一个存在的字符串字段
func stringAttr(data gjson.Result, keys ...string) *string {
	for _, key := range keys {
		v := data.Get(key)
		if v.Exists() && v.Type == gjson.String {
			s := v.String()
			return &s
		}
	}
	return nil
}

// ========================================
// Scoring - 启发式打分
// ========================================

// CalculateScores 先序遍历打分: 兄弟相似 + 位置命中 + 语义信息
func (t *ElementTree) CalculateScores(root int) {
	if root < 0 || root >= len(t.nodes) {
		return
	}
	node := &t.nodes[root]
	node.Score = t.similarSiblingScore(root)*1 +
		t.positionHit(root)*1 +
		float64(t.semanticInfoCount(root))*2
	for _, child := range node.Children {
		t.CalculateScores(child)
	}
}

// semanticInfoCount 非空语义属性计数
func (t *ElementTree) semanticInfoCount(idx int) int {
	n := &t.nodes[idx]
	count := 0
	for _, p := range []*string{n.Title, n.Description, n.Role, n.RoleDescription, n.Subrole, n.Value} {
		if p != nil {
			count++
		}
	}
	return count
}

// positionHit 位置命中得分 [0,10], 面积越小得分越高
// 未直接命中但父节点命中时, 根据父布局方向放宽单轴判定
func (t *ElementTree) positionHit(idx int) float64 {
	n := &t.nodes[idx]
	if n.Rect == nil {
		return 0
	}
	r := n.Rect
	area := r.W * r.H

	inX := r.X <= t.x && t.x <= r.X+r.W
	inY := r.Y <= t.y && t.y <= r.Y+r.H

	score := 0.0
	switch {
	case inX && inY:
		score = areaScore(area)
	case n.Parent >= 0 && t.positionHit(n.Parent) != 0:
		switch t.layoutType(n.Parent) {
		case "horizontal":
			if inX {
				score = areaScore(area)
			}
		case "vertical":
			if inY {
				score = areaScore(area)
			}
		}
	}
	return math.Min(math.Max(score, 0), 10)
}

func areaScore(area float64) float64 {
	if area < elementMinArea {
		return 10
	}
	return 10 * math.Log(float64(elementMaxArea)/area) / math.Log(positionHitBase)
}

// layoutType 根据子节点坐标的标准差与单调性推断布局方向
func (t *ElementTree) layoutType(idx int) string {
	n := &t.nodes[idx]
	var xs, ys, ws, hs []float64
	for _, child := range n.Children {
		if t.nodes[child].Rect == nil {
			continue
		}
		r := t.nodes[child].Rect
		xs = append(xs, r.X)
		ys = append(ys, r.Y)
		ws = append(ws, r.W)
		hs = append(hs, r.H)
	}
	if len(xs) < 2 {
		return "unknown"
	}

	stdX := sampleStdev(xs)
	stdY := sampleStdev(ys)
	tolerance := 0.05 * maxOf(append(append([]float64{}, ws...), hs...))

	if stdY < stdX {
		for i := 0; i < len(xs)-1; i++ {
			if xs[i]+ws[i] > xs[i+1]+tolerance {
				return "unknown"
			}
		}
		return "horizontal"
	}
	if stdX < stdY {
		for i := 0; i < len(ys)-1; i++ {
			if ys[i]+hs[i] > ys[i+1]+tolerance {
				return "unknown"
			}
		}
		return "vertical"
	}
	return "unknown"
}

func sampleStdev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(n-1))
}

func maxOf(values []float64) float64 {
	m := 0.0
	for i, v := range values {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// ========================================
// Sibling Similarity - 兄弟相似度
// ========================================

// attrPresence 参与构成相似度的属性占位集合
func (t *ElementTree) attrPresence(idx int) []string {
	n := &t.nodes[idx]
	var attrs []string
	if n.Title != nil {
		attrs = append(attrs, "title")
	}
	if n.Description != nil {
		attrs = append(attrs, "description")
	}
	if n.Value != nil {
		attrs = append(attrs, "value")
	}
	if n.Role != nil {
		attrs = append(attrs, "role")
	}
	if n.Subrole != nil {
		attrs = append(attrs, "subrole")
	}
	if n.RoleDescription != nil {
		attrs = append(attrs, "role_description")
	}
	if n.Orientation != nil {
		attrs = append(attrs, "orientation")
	}
	if n.Enabled != nil {
		attrs = append(attrs, "enabled")
	}
	if n.Rect != nil {
		attrs = append(attrs, "rect")
	}
	return attrs
}

// similarity 结构相似度: 属性构成重叠率与矩形尺寸接近度的均值
func (t *ElementTree) similarity(i, j int) float64 {
	key := [2]int{i, j}
	if j < i {
		key = [2]int{j, i}
	}
	if cached, ok := t.simCache[key]; ok {
		return cached
	}

	composition := compositionSimilarity(t.attrPresence(i), t.attrPresence(j))
	rect := rectSimilarity(t.nodes[i].Rect, t.nodes[j].Rect)
	score := (composition + rect) / 2

	t.simCache[key] = score
	return score
}

// isSimilarTo 相似度阈值判定
func (t *ElementTree) isSimilarTo(i, j int) bool {
	return t.similarity(i, j) >= 0.75
}

func compositionSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	common := 0
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
		if _, ok := setA[s]; ok {
			common++
		}
	}
	total := len(setA) + len(setB) - common
	if total == 0 {
		return 0
	}
	return float64(common) / float64(total)
}

// rectSimilarity 宽高接近度, 容忍度 10%
func rectSimilarity(a, b *ElementRect) float64 {
	if a == nil || b == nil {
		return 0
	}
	const sizeTolerance = 0.1
	wDistance := math.Abs(a.W-b.W) / math.Max(math.Max(a.W, b.W), 1)
	hDistance := math.Abs(a.H-b.H) / math.Max(math.Max(a.H, b.H), 1)
	wSimilarity := math.Max(0, 1-wDistance/sizeTolerance)
	hSimilarity := math.Max(0, 1-hDistance/sizeTolerance)
	return (wSimilarity + hSimilarity) / 2
}

// similarSiblingScore 兄弟相似占比得分
// 结构单薄的叶子在大兄弟组里打八折, 高分父节点向下继承
func (t *ElementTree) similarSiblingScore(idx int) float64 {
	n := &t.nodes[idx]
	if n.sibScore != nil {
		return *n.sibScore
	}
	if n.Parent < 0 {
		return 0
	}
	siblings := t.nodes[n.Parent].Children
	if len(siblings) == 0 {
		return 0
	}

	count := 0
	for _, sibling := range siblings {
		if sibling != idx && t.isSimilarTo(idx, sibling) {
			count++
		}
	}
	score := math.Min(float64(count)/float64(len(siblings)), 1.0) * 10
	if len(n.Children) == 0 && len(siblings) > 5 {
		score *= 0.75
	}
	if parentScore := t.nodes[n.Parent].sibScore; parentScore != nil && *parentScore > 2 {
		score += *parentScore * 0.75
	}
	n.sibScore = &score
	return score
}

// ========================================
// Selection - 最高分节点选择
// ========================================

// FindMostScoreNode 深度优先选择分数最高的节点, 同分取先序靠前者
func (t *ElementTree) FindMostScoreNode(root int) int {
	if root < 0 || root >= len(t.nodes) {
		return -1
	}
	best := root
	bestScore := t.nodes[root].Score
	for _, child := range t.nodes[root].Children {
		candidate := t.FindMostScoreNode(child)
		if candidate >= 0 && t.nodes[candidate].Score > bestScore {
			best = candidate
			bestScore = t.nodes[candidate].Score
		}
	}
	return best
}

// semanticOutputAttrs 输出到 target 的语义属性
var semanticOutputAttrs = []struct {
	name string
	get  func(*ElementNode) *string
}{
	{"value", func(n *ElementNode) *string { return n.Value }},
	{"title", func(n *ElementNode) *string { return n.Title }},
	{"description", func(n *ElementNode) *string { return n.Description }},
	{"role", func(n *ElementNode) *string { return n.Role }},
	{"subrole", func(n *ElementNode) *string { return n.Subrole }},
	{"role_description", func(n *ElementNode) *string { return n.RoleDescription }},
	{"orientation", func(n *ElementNode) *string { return n.Orientation }},
}

// ToDict 节点的语义属性字典, 过滤包含 "ax" 的原始常量值
func (t *ElementTree) ToDict(idx int) map[string]interface{} {
	out := map[string]interface{}{}
	if idx < 0 || idx >= len(t.nodes) {
		return out
	}
	n := &t.nodes[idx]
	for _, attr := range semanticOutputAttrs {
		v := attr.get(n)
		if v == nil {
			continue
		}
		if strings.Contains(strings.ToLower(*v), "ax") {
			continue
		}
		out[attr.name] = *v
	}
	return out
}

// ========================================
// Facade - 点击目标解析入口
// ========================================

// ParseElement 在快照中解析点击坐标对应的目标元素
// 解析失败返回空 map, 不中断归约
func ParseElement(raw json.RawMessage, x, y float64) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	tree := NewElementTree(x, y)
	root := tree.BuildFromJSON(raw, BuildRuleGeneral)
	if root < 0 {
		return map[string]interface{}{}
	}
	tree.CalculateScores(root)
	target := tree.FindMostScoreNode(root)
	if target < 0 {
		return map[string]interface{}{}
	}
	return tree.ToDict(target)
}
