package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ========================================
// Action Tree - 归约后的动作树
// ========================================

// 动作类型, 归约产出 move/click/type/press/scroll,
// transform 阶段可改写为 drag/mouse_press/long_press
const (
	ActionMove       = "move"
	ActionClick      = "click"
	ActionTypeKind   = "type"
	ActionPress      = "press"
	ActionScroll     = "scroll"
	ActionDrag       = "drag"
	ActionMousePress = "mouse_press"
	ActionLongPress  = "long_press"
)

// Action 归约动作, 变体由 Kind 区分, 每个变体序列化固定的字段集合
type Action struct {
	Kind          string
	ID            int
	HasID         bool
	EventStartIdx int
	PreMove       *Action
	Children      []*Action
	Complete      bool
	StartTime     float64
	EndTime       float64
	HasEnd        bool
	Key           MatchKey
	Description   string
	Described     bool
	Vis           bool
	Exception     bool
	Depth         int
	HasDepth      bool
	transformed   bool

	// click / drag / mouse_press
	ClickType   int
	Button      string
	Pressed     bool
	Coordinate  Coordinate
	Coordinates []Coordinate
	ClickTrace  []TimeSpan

	// press / long_press
	KeyName string

	// type
	KeyNames []string

	// move / scroll / type 的时间轨迹
	TimeTrace []float64

	// move
	Trace [][2]float64

	// scroll
	ScrollTrace []ScrollSample

	// drag (finish 阶段从子节点提升)
	DragTrace     [][2]float64
	DragTimeTrace []float64

	// 元素匹配结果 (归约后挂接)
	Target          map[string]interface{}
	Axtree          json.RawMessage
	PastFrameTarget map[string]interface{}
	PredictedTarget map[string]interface{}

	videoStartBuffer float64
	videoEndBuffer   float64
}

// newBaseAction 所有变体共享的初始化
func newBaseAction(ev *BufferEvent) *Action {
	a := &Action{
		Kind:             ev.Action,
		EventStartIdx:    ev.EventIdx,
		Complete:         ev.Complete,
		StartTime:        ev.StartTime,
		EndTime:          ev.EndTime,
		HasEnd:           ev.HasEnd,
		Key:              ev.Key,
		Vis:              true,
		HasDepth:         true,
		videoStartBuffer: 0.5,
		videoEndBuffer:   0.2,
	}
	if ev.PreMove != nil {
		a.PreMove = newMoveAction(ev.PreMove)
	}
	return a
}

func newMoveAction(ev *BufferEvent) *Action {
	a := newBaseAction(ev)
	a.Trace = ev.MoveTrace
	a.TimeTrace = ev.TimeTrace
	a.Vis = false
	return a
}

func newTypeAction(ev *BufferEvent) *Action {
	a := newBaseAction(ev)
	a.Kind = ActionTypeKind
	if ev.Action == RawActionType {
		a.KeyNames = append([]string{}, ev.KeyNames...)
	} else {
		a.KeyNames = []string{ev.Name}
	}
	a.TimeTrace = []float64{ev.TimeStamp}
	a.EndTime = a.TimeTrace[len(a.TimeTrace)-1] + TypeEndPadding
	a.HasEnd = true
	return a
}

func newClickAction(ev *BufferEvent) *Action {
	a := newBaseAction(ev)
	a.ClickType = 1
	a.Button = ev.Button
	a.Pressed = ev.Pressed
	a.Coordinate = Coordinate{X: ev.X, Y: ev.Y}
	a.Coordinates = []Coordinate{a.Coordinate}
	span := TimeSpan{StartTime: ev.StartTime}
	if ev.HasEnd {
		end := ev.EndTime
		span.EndTime = &end
	}
	a.ClickTrace = []TimeSpan{span}
	if !a.Pressed {
		a.Vis = false
	}
	a.videoEndBuffer = 0.1
	return a
}

func newPressAction(ev *BufferEvent) *Action {
	a := newBaseAction(ev)
	a.KeyName = ev.Name
	a.Pressed = ev.Key.Pressed
	a.videoStartBuffer = 0.3
	return a
}

func newScrollAction(ev *BufferEvent) *Action {
	a := newBaseAction(ev)
	a.ScrollTrace = ev.ScrollTrace
	a.TimeTrace = ev.TimeTrace
	return a
}

// ========================================
// 基础操作
// ========================================

func (a *Action) setID(id int) {
	a.ID = id
	a.HasID = true
}

func (a *Action) setDescription(s string) {
	a.Description = s
	a.Described = true
}

// getStartTime 含 pre_move 的真实起始时间
func (a *Action) getStartTime() float64 {
	if a.PreMove != nil {
		return a.PreMove.getStartTime()
	}
	return a.StartTime
}

// getEndTime 结束时间回退链: 自身 -> 末尾子节点 -> 起始时间
func (a *Action) getEndTime() float64 {
	if a.HasEnd {
		return a.EndTime
	}
	if len(a.Children) == 0 {
		return a.StartTime
	}
	return a.Children[len(a.Children)-1].getEndTime()
}

func (a *Action) addChild(child *Action) {
	a.Children = append(a.Children, child)
}

// getStr 拼接键名, 修饰键与功能键带 $...$ 包装
func (a *Action) getStr(connect string) string {
	if len(a.KeyNames) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(wrapFuncKey(a.KeyNames[0]))
	for _, k := range a.KeyNames[1:] {
		sb.WriteString(connect)
		sb.WriteString(wrapFuncKey(k))
	}
	return sb.String()
}

// appendTypeEvent 追加一个键入事件
func (a *Action) appendTypeEvent(ev *BufferEvent) {
	a.KeyNames = append(a.KeyNames, ev.Name)
	a.TimeTrace = append(a.TimeTrace, ev.TimeStamp)
	a.EndTime = a.TimeTrace[len(a.TimeTrace)-1] + TypeEndPadding
	a.HasEnd = true
}

// extendType 合并另一个 type 动作
func (a *Action) extendType(other *Action) {
	a.KeyNames = append(a.KeyNames, other.KeyNames...)
	a.TimeTrace = append(a.TimeTrace, other.TimeTrace...)
	a.EndTime = a.TimeTrace[len(a.TimeTrace)-1] + TypeEndPadding
	a.HasEnd = true
}

// extendScroll 合并后续滚动事件
func (a *Action) extendScroll(ev *BufferEvent) {
	a.ScrollTrace = append(a.ScrollTrace, ev.ScrollTrace...)
	a.TimeTrace = append(a.TimeTrace, ev.TimeTrace...)
	if ev.HasEnd {
		a.EndTime = ev.EndTime
		a.HasEnd = true
	}
}

// calDistance 两次点击的欧氏距离
func (a *Action) calDistance(other *Action) float64 {
	dx := a.Coordinate.X - other.Coordinate.X
	dy := a.Coordinate.Y - other.Coordinate.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// setCompleteEvent 用释放事件闭合动作
func (a *Action) setCompleteEvent(ev *BufferEvent) {
	a.EndTime = ev.TimeStamp
	a.HasEnd = true
	a.Complete = true
	if a.Kind == ActionClick && len(a.ClickTrace) > 0 {
		end := ev.TimeStamp
		a.ClickTrace[len(a.ClickTrace)-1].EndTime = &end
	}
}

// isTyping shift 组合键入: 完整 Press 且唯一 type 子节点
func (a *Action) isTyping() bool {
	return a.Kind == ActionPress &&
		a.Complete &&
		len(a.Children) == 1 &&
		a.Children[0].Kind == ActionTypeKind &&
		strings.Contains(a.KeyName, "shift")
}

// ========================================
// 异常闭合 - 未配对按下的合成结束
// ========================================

// setExceptionEnd 给未配对的按下动作合成一个互补释放子节点
func (a *Action) setExceptionEnd() {
	var duration float64
	switch a.Kind {
	case ActionClick:
		duration = ClickExceptionDuration
	default:
		duration = KeyExceptionDuration
	}
	a.Complete = true
	a.EndTime = a.StartTime + duration
	a.HasEnd = true
	a.Exception = true
	if a.Kind == ActionClick && len(a.ClickTrace) > 0 {
		end := a.EndTime
		a.ClickTrace[len(a.ClickTrace)-1].EndTime = &end
	}

	synthetic := a.cloneForException()
	synthetic.StartTime = a.EndTime
	synthetic.EndTime = a.EndTime
	synthetic.HasEnd = true
	synthetic.PreMove = nil
	synthetic.Pressed = false
	synthetic.Key = a.Key.Complement()
	a.addChild(synthetic)
}

// cloneForException 浅拷贝 + 切片复制, 不带子节点
func (a *Action) cloneForException() *Action {
	c := *a
	c.Children = nil
	c.Coordinates = append([]Coordinate{}, a.Coordinates...)
	c.ClickTrace = append([]TimeSpan{}, a.ClickTrace...)
	c.KeyNames = append([]string{}, a.KeyNames...)
	c.TimeTrace = append([]float64{}, a.TimeTrace...)
	if a.Coordinates == nil {
		c.Coordinates = nil
	}
	if a.ClickTrace == nil {
		c.ClickTrace = nil
	}
	if a.KeyNames == nil {
		c.KeyNames = nil
	}
	if a.TimeTrace == nil {
		c.TimeTrace = nil
	}
	return &c
}

// ========================================
// Transform - 描述生成与变体改写
// ========================================

func (a *Action) transform() {
	switch a.Kind {
	case ActionMove:
		a.transformed = true
		a.setDescription(fmt.Sprintf("Mouse move from (%v, %v) to (%v, %v)",
			firstPoint(a.Trace)[0], firstPoint(a.Trace)[1],
			lastPoint(a.Trace)[0], lastPoint(a.Trace)[1]))
	case ActionTypeKind:
		a.transformType()
	case ActionClick, ActionDrag, ActionMousePress:
		a.transformClick()
	case ActionPress, ActionLongPress:
		a.transformPress()
	case ActionScroll:
		a.transformScroll()
	default:
		a.transformed = true
	}
}

func firstPoint(trace [][2]float64) [2]float64 {
	if len(trace) == 0 {
		return [2]float64{}
	}
	return trace[0]
}

func lastPoint(trace [][2]float64) [2]float64 {
	if len(trace) == 0 {
		return [2]float64{}
	}
	return trace[len(trace)-1]
}

func (a *Action) transformType() {
	a.transformed = true
	var sb strings.Builder
	sb.WriteString("⌨️ Type: ")
	for _, k := range a.KeyNames {
		sb.WriteString(wrapFuncKey(k))
	}
	a.setDescription(sb.String())
}

// isLongPress 长按: 有多个子动作且持续超过阈值
// 仅含一个嵌套 click 的情况视为普通点击
func (a *Action) isLongPress() bool {
	if len(a.Children) == 0 {
		return false
	}
	if len(a.Children) == 1 && a.Children[0].Kind == ActionClick {
		return false
	}
	return a.EndTime-a.StartTime > MouseLongPressInterval
}

// isDrag 拖拽: 唯一子节点带 pre_move 且位移超过阈值
func (a *Action) isDrag() bool {
	if len(a.Children) != 1 {
		return false
	}
	child := a.Children[0]
	if child.PreMove == nil {
		return false
	}
	return a.calDistance(child) > DragDistancePx
}

func (a *Action) transformClick() {
	a.transformed = true
	if !a.Pressed {
		a.setDescription("")
		return
	}

	for _, child := range a.Children {
		if !child.transformed {
			child.transform()
		}
	}

	switch a.ClickType {
	case 1:
		a.setDescription(fmt.Sprintf("Single %s Click", a.Button))
	case 2:
		a.setDescription(fmt.Sprintf("Double %s Click", a.Button))
	case 3:
		a.setDescription(fmt.Sprintf("Triple %s Click", a.Button))
	default:
		a.setDescription(fmt.Sprintf("%s Click", a.Button))
	}

	if a.isDrag() {
		a.Kind = ActionDrag
		child := a.Children[len(a.Children)-1]
		a.Children = a.Children[:len(a.Children)-1]
		a.Children = append(a.Children, child.PreMove)
		a.setDescription(fmt.Sprintf("Drag from (%v, %v) to (%v, %v)",
			a.Coordinate.X, a.Coordinate.Y,
			child.Coordinate.X, child.Coordinate.Y))
		return
	}

	if a.isLongPress() {
		a.Kind = ActionMousePress
		var sb strings.Builder
		fmt.Fprintf(&sb, "Mouse long press %s button:\n", a.Button)
		for _, child := range a.Children {
			if child.Described && child.Description != "" {
				sb.WriteString(child.Description)
				sb.WriteByte('\n')
			}
		}
		a.setDescription(sb.String())
	}
}

func (a *Action) transformPress() {
	if a.Exception {
		a.setDescription("⌨️ Press: " + wrapFuncKey(a.KeyName))
		return
	}

	a.transformed = true
	if !a.Pressed {
		return
	}

	if len(a.Children) == 0 {
		a.setDescription("⌨️ Press: " + wrapFuncKey(a.KeyName))
		return
	}

	// 按时间包含关系重新嵌套子节点
	if len(a.Children) > 1 {
		for i := len(a.Children) - 1; i > 0; i-- {
			prev, cur := a.Children[i-1], a.Children[i]
			if prev.HasEnd && cur.HasEnd &&
				prev.StartTime < cur.StartTime &&
				prev.EndTime > cur.EndTime {
				ReducerLog().
					Int("parent", i-1).
					Int("child", i).
					Str("key", cur.Key.String()).
					Msg("re-nest child by time containment")
				a.Children = append(a.Children[:i], a.Children[i+1:]...)
				prev.addChild(cur)
			}
		}
	}

	for _, child := range a.Children {
		if !child.transformed {
			child.transform()
		}
	}

	if len(a.Children) == 1 {
		child := a.Children[0]
		switch child.Kind {
		case ActionTypeKind:
			a.setDescription(fmt.Sprintf("⌨️ Press: %s + %s",
				wrapFuncKey(a.KeyName), child.getStr("")))
			child.Vis = false
			return
		case ActionPress:
			a.setDescription(fmt.Sprintf("⌨️ Press: %s + %s",
				wrapFuncKey(a.KeyName),
				strings.TrimPrefix(child.Description, "⌨️ Press: ")))
			return
		}
	}

	a.Kind = ActionLongPress
	a.setDescription("⌨️ Long Press: " + wrapFuncKey(a.KeyName))
}

// 滚动方向图标, 按 (sign dx, sign dy) 区分八个方向
func scrollDirectionIcon(dx, dy int) string {
	dx, dy = signOf(dx), signOf(dy)
	switch [2]int{dx, dy} {
	case [2]int{0, 1}:
		return "⬆️"
	case [2]int{0, -1}:
		return "⬇️"
	case [2]int{1, 0}:
		return "⬅️"
	case [2]int{-1, 0}:
		return "➡️"
	case [2]int{1, 1}:
		return "↖"
	case [2]int{-1, 1}:
		return "↗"
	case [2]int{1, -1}:
		return "↙"
	case [2]int{-1, -1}:
		return "↘"
	}
	return ""
}

func scrollDirectionText(dx, dy int) string {
	dx, dy = signOf(dx), signOf(dy)
	switch [2]int{dx, dy} {
	case [2]int{0, 1}:
		return "Up"
	case [2]int{0, -1}:
		return "Down"
	case [2]int{1, 0}:
		return "Left"
	case [2]int{-1, 0}:
		return "Right"
	case [2]int{1, 1}:
		return "Top Left"
	case [2]int{-1, 1}:
		return "Top Right"
	case [2]int{1, -1}:
		return "Bottom Left"
	case [2]int{-1, -1}:
		return "Bottom Right"
	}
	return ""
}

func signOf(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// transformScroll 按方向统计滚动次数, 方向按首次出现顺序排列
func (a *Action) transformScroll() {
	a.transformed = true
	var order []string
	counts := map[string]int{}
	for _, s := range a.ScrollTrace {
		icon := scrollDirectionIcon(s.DX, s.DY)
		if _, ok := counts[icon]; !ok {
			order = append(order, icon)
		}
		counts[icon]++
	}
	var sb strings.Builder
	sb.WriteString("Scroll ")
	for _, icon := range order {
		fmt.Fprintf(&sb, "%s×%d  ", icon, counts[icon])
	}
	a.setDescription(sb.String())
}

// ========================================
// Serialization - 完整与可视化两种序列化
// ========================================

// jsonField / jsonObject 保序 JSON 输出
type jsonField struct {
	Key   string
	Value interface{}
}

type jsonObject []jsonField

func (o jsonObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		writeJSONField(&buf, f.Key, f.Value, i == 0)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// completeDump 完整序列化: 变体字段全量保留
func (a *Action) completeDump() jsonObject {
	obj := jsonObject{
		{"action", a.Kind},
		{"event_start_idx", a.EventStartIdx},
		{"complete", a.Complete},
		{"start_time", a.StartTime},
	}
	if a.HasEnd {
		obj = append(obj, jsonField{"end_time", a.EndTime})
	}
	if a.Described {
		obj = append(obj, jsonField{"description", a.Description})
	}
	obj = append(obj,
		jsonField{"vis", a.Vis},
		jsonField{"exception", a.Exception},
		jsonField{"depth", a.Depth},
	)

	switch a.Kind {
	case ActionMove:
		obj = append(obj,
			jsonField{"trace", a.Trace},
			jsonField{"time_trace", a.TimeTrace},
		)
	case ActionTypeKind:
		obj = append(obj,
			jsonField{"key_names", a.KeyNames},
			jsonField{"time_trace", a.TimeTrace},
		)
	case ActionClick, ActionDrag, ActionMousePress:
		obj = append(obj,
			jsonField{"click_type", a.ClickType},
			jsonField{"button", a.Button},
			jsonField{"pressed", a.Pressed},
			jsonField{"coordinate", a.Coordinate},
			jsonField{"coordinates", a.Coordinates},
			jsonField{"time_trace", a.ClickTrace},
		)
	case ActionPress, ActionLongPress:
		obj = append(obj,
			jsonField{"key_name", a.KeyName},
			jsonField{"pressed", a.Pressed},
		)
	case ActionScroll:
		obj = append(obj,
			jsonField{"trace", a.ScrollTrace},
			jsonField{"time_trace", a.TimeTrace},
		)
	}

	if a.DragTrace != nil {
		obj = append(obj,
			jsonField{"drag_trace", a.DragTrace},
			jsonField{"drag_time_trace", a.DragTimeTrace},
		)
	}
	if a.HasID {
		obj = append(obj, jsonField{"id", a.ID})
	}
	if a.Target != nil {
		obj = append(obj, jsonField{"target", a.Target})
	}
	if a.Axtree != nil {
		obj = append(obj, jsonField{"axtree", a.Axtree})
	}
	if a.PastFrameTarget != nil {
		obj = append(obj, jsonField{"past_frame_target", a.PastFrameTarget})
	}
	if a.PredictedTarget != nil {
		obj = append(obj, jsonField{"gpt_target", a.PredictedTarget})
	}
	if a.PreMove != nil {
		obj = append(obj, jsonField{"pre_move", a.PreMove.completeDump()})
	}
	if a.Children != nil {
		children := make([]jsonObject, 0, len(a.Children))
		for _, child := range a.Children {
			children = append(children, child.completeDump())
		}
		obj = append(obj, jsonField{"children", children})
	}
	return obj
}

// visDump 可视化序列化: 精简字段, vis=false 的动作被剪掉
func (a *Action) visDump() jsonObject {
	if !a.Vis {
		return nil
	}
	obj := jsonObject{}
	if a.HasID {
		obj = append(obj, jsonField{"id", a.ID})
	}
	obj = append(obj, jsonField{"action", a.Kind})
	if a.Described {
		obj = append(obj, jsonField{"description", a.Description})
	}
	obj = append(obj, jsonField{"start_time", a.StartTime})
	if a.HasEnd {
		obj = append(obj, jsonField{"end_time", a.EndTime})
	}
	if a.HasDepth {
		obj = append(obj, jsonField{"depth", a.Depth})
	}

	if a.Target != nil {
		obj = append(obj, jsonField{"target", a.Target})
	} else {
		obj = append(obj, jsonField{"target", map[string]interface{}{"mark": false}})
	}
	if a.PredictedTarget != nil {
		obj = append(obj, jsonField{"gpt_target", a.PredictedTarget})
	}
	obj = append(obj, jsonField{"axtree", a.Axtree})
	if a.PastFrameTarget != nil {
		obj = append(obj, jsonField{"past_frame_target", a.PastFrameTarget})
	}

	if len(a.Children) > 0 {
		children := make([]jsonObject, 0, len(a.Children))
		for _, child := range a.Children {
			if child.Vis {
				children = append(children, child.visDump())
			}
		}
		if len(children) > 0 {
			obj = append(obj, jsonField{"children", children})
		}
	}
	return obj
}

// ========================================
// Video Timing - 片段时间计算
// ========================================

// videoStartTime 片段起点, 带 pre_move 时从轨迹起点与缓冲时间取较大者
func (a *Action) videoStartTime() float64 {
	if a.PreMove != nil {
		return math.Max(a.PreMove.getStartTime(), a.StartTime-a.videoStartBuffer)
	}
	return a.StartTime
}

// videoEndTime 片段终点
func (a *Action) videoEndTime() float64 {
	if a.HasEnd {
		return a.EndTime + a.videoEndBuffer
	}
	if len(a.Children) == 0 {
		return a.StartTime + 0.2
	}
	return a.Children[len(a.Children)-1].videoEndTime()
}

// widenClipRange 过短的片段向两侧扩展
func widenClipRange(start, end float64) (float64, float64) {
	if end-start < 0.5 {
		return start - 0.3, end + 0.1
	}
	return start, end
}
