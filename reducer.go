package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ========================================
// Reducer - 事件压缩与归约状态机
// ========================================

// ReduceConfig 归约配置
type ReduceConfig struct {
	GenerateWindowA11y  bool `json:"generate_window_a11y"`
	GenerateElementA11y bool `json:"generate_element_a11y"`
	Flatten             bool `json:"flatten"`
}

// WindowAttrs 录制时的屏幕尺寸
type WindowAttrs struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ReducerState 归约过程的显式状态
type ReducerState struct {
	// activeEvents 压缩阶段按住未释放的修饰键, 用于抑制按键重复信号
	activeEvents map[MatchKey]struct{}
	// activeActions 归约阶段尚未闭合的动作, 键 -> reducedActions 下标
	activeActions map[MatchKey]int
	// preMove 待挂接的鼠标移动轨迹
	preMove *BufferEvent
}

func newReducerState() ReducerState {
	return ReducerState{
		activeEvents:  make(map[MatchKey]struct{}),
		activeActions: make(map[MatchKey]int),
	}
}

// Reducer 把原始输入事件归约为动作树
type Reducer struct {
	recordingPath  string
	windowAttrs    WindowAttrs
	cfg            ReduceConfig
	eventBuffer    []*BufferEvent
	reducedActions []*Action
	state          ReducerState
	completeIdx    int

	video     *VideoService      // 为空时跳过片段导出
	predictor TargetPredictor    // 为空时跳过目标兜底预测
	postHook  func([]*Action)    // 归约后处理钩子
}

// NewReducer 创建归约器
func NewReducer(recordingPath string, windowAttrs WindowAttrs, cfg ReduceConfig) *Reducer {
	return &Reducer{
		recordingPath: recordingPath,
		windowAttrs:   windowAttrs,
		cfg:           cfg,
		state:         newReducerState(),
	}
}

// SetVideoService 配置片段导出
func (r *Reducer) SetVideoService(v *VideoService) { r.video = v }

// SetTargetPredictor 配置目标兜底预测
func (r *Reducer) SetTargetPredictor(p TargetPredictor) { r.predictor = p }

// SetPostHook 配置归约后处理钩子, 在落盘前执行
func (r *Reducer) SetPostHook(hook func([]*Action)) { r.postHook = hook }

// Actions 归约结果的动作树
func (r *Reducer) Actions() []*Action { return r.reducedActions }

// ========================================
// Compress - 原始事件压缩
// ========================================

// Compress 把原始事件流压缩进 event buffer
func (r *Reducer) Compress(events []*RawEvent) error {
	for _, ev := range events {
		if err := r.compressEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reducer) compressEvent(raw *RawEvent) error {
	ev, err := newBufferEvent(raw)
	if err != nil {
		return err
	}

	if ev.Action == RawActionMove {
		r.addMoveEvent(ev)
		return nil
	}

	last := r.lastBufferEvent()
	isSame := last != nil && last.Key == ev.Key
	// 不同类事件到来时闭合进行中的滚动
	if !isSame && last != nil && last.Action == RawActionScroll {
		last.Complete = true
	}

	switch ev.Action {
	case RawActionScroll:
		r.addScrollEvent(ev, last, isSame)
	case RawActionPress:
		r.addKeyPressEvent(ev)
	case RawActionRelease:
		r.addKeyReleaseEvent(ev, last)
	case RawActionClick:
		r.addClickEvent(ev)
	default:
		return &ErrUnsupportedEvent{Action: ev.Action}
	}
	return nil
}

func (r *Reducer) lastBufferEvent() *BufferEvent {
	if len(r.eventBuffer) == 0 {
		return nil
	}
	return r.eventBuffer[len(r.eventBuffer)-1]
}

// addMoveEvent 移动事件累积进待挂接轨迹
func (r *Reducer) addMoveEvent(ev *BufferEvent) {
	if r.state.preMove == nil {
		ev.MoveTrace = [][2]float64{{ev.X, ev.Y}}
		ev.TimeTrace = []float64{ev.TimeStamp}
		ev.setEnd(ev.TimeStamp)
		r.state.preMove = ev
		return
	}
	pm := r.state.preMove
	pm.MoveTrace = append(pm.MoveTrace, [2]float64{ev.X, ev.Y})
	pm.TimeTrace = append(pm.TimeTrace, ev.TimeStamp)
	pm.setEnd(ev.TimeStamp)
}

// attachPreMove 把累积的移动轨迹挂到下一个非移动事件上
func (r *Reducer) attachPreMove(ev *BufferEvent) {
	if r.state.preMove == nil {
		return
	}
	r.state.preMove.Complete = true
	ev.PreMove = r.state.preMove
	r.state.preMove = nil
}

// addScrollEvent 零位移滚动丢弃, 同向滚动合并
func (r *Reducer) addScrollEvent(ev, last *BufferEvent, isSame bool) {
	if ev.DX == 0 && ev.DY == 0 {
		return
	}
	r.attachPreMove(ev)

	if !isSame {
		ev.ScrollTrace = []ScrollSample{{X: ev.X, Y: ev.Y, DX: ev.DX, DY: ev.DY}}
		ev.TimeTrace = []float64{ev.TimeStamp}
		r.eventBuffer = append(r.eventBuffer, ev)
		return
	}
	last.ScrollTrace = append(last.ScrollTrace, ScrollSample{X: ev.X, Y: ev.Y, DX: ev.DX, DY: ev.DY})
	last.TimeTrace = append(last.TimeTrace, ev.TimeStamp)
	last.setEnd(ev.TimeStamp + ScrollMergeEndPadding)
}

// addKeyPressEvent 修饰键进入长按跟踪 (重复信号抑制), 普通键直接成为键入事件
func (r *Reducer) addKeyPressEvent(ev *BufferEvent) {
	if isModifierKey(ev.Name) {
		ev.HasMatched = true
		if _, held := r.state.activeEvents[ev.Key]; held {
			// 系统按键重复, 丢弃
			return
		}
		r.attachPreMove(ev)
		r.state.activeEvents[ev.Key] = struct{}{}
		r.eventBuffer = append(r.eventBuffer, ev)
		return
	}

	r.attachPreMove(ev)
	ev.Action = RawActionType
	ev.Complete = true
	ev.KeyNames = []string{ev.Name}
	r.eventBuffer = append(r.eventBuffer, ev)
}

// addKeyReleaseEvent 释放事件反向扫描配对最近的未闭合按下
func (r *Reducer) addKeyReleaseEvent(ev, last *BufferEvent) {
	if last == nil {
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("no event before a release event")
		return
	}

	r.attachPreMove(ev)
	ev.setEnd(ev.TimeStamp)
	target := ev.Key.Complement()

	if !isModifierKey(ev.Name) {
		for i := len(r.eventBuffer) - 1; i >= 0; i-- {
			if r.eventBuffer[i].Key == target && !r.eventBuffer[i].HasEnd {
				r.eventBuffer[i].setEnd(ev.TimeStamp)
				return
			}
		}
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("no key press event before release")
		return
	}

	ev.Action = RawActionPress
	delete(r.state.activeEvents, target)

	for i := len(r.eventBuffer) - 1; i >= 0; i-- {
		e := r.eventBuffer[i]
		if e.Key == target && e.HasMatched && e.Matched < 0 {
			e.setEnd(ev.TimeStamp)
			e.EndIdx = len(r.eventBuffer)
			e.HasEndIdx = true
			e.Matched = len(r.eventBuffer)
			r.eventBuffer = append(r.eventBuffer, ev)
			return
		}
	}
	Logger.Warn().Str("module", "reducer").
		Str("key", ev.Key.String()).
		Msg("start press key not found")
}

// addClickEvent 按下直接入缓冲, 释放反向扫描配对
func (r *Reducer) addClickEvent(ev *BufferEvent) {
	r.attachPreMove(ev)

	if ev.Pressed {
		ev.HasMatched = true
		r.eventBuffer = append(r.eventBuffer, ev)
		return
	}

	if len(r.eventBuffer) == 0 {
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("click ignored: no action before mouse release")
		return
	}

	ev.setEnd(ev.TimeStamp)
	target := ev.Key.Complement()
	for i := len(r.eventBuffer) - 1; i >= 0; i-- {
		e := r.eventBuffer[i]
		if e.Key == target && e.Matched < 0 {
			e.setEnd(ev.TimeStamp)
			e.EndIdx = len(r.eventBuffer)
			e.HasEndIdx = true
			e.Matched = len(r.eventBuffer)
			r.eventBuffer = append(r.eventBuffer, ev)
			return
		}
	}
	Logger.Warn().Str("module", "reducer").
		Str("key", ev.Key.String()).
		Msg("start press mouse not found")
}

// ========================================
// Reduce - 单次正向扫描构建动作树
// ========================================

// ReduceAll 对压缩缓冲做一次正向归约
func (r *Reducer) ReduceAll() {
	idx := 0
	for idx < len(r.eventBuffer) {
		ev := r.eventBuffer[idx]

		switch ev.Action {
		case RawActionScroll:
			if len(r.reducedActions) == 0 || r.lastAction().Kind != ActionScroll {
				r.reducedActions = append(r.reducedActions, newScrollAction(ev))
			} else {
				r.lastAction().extendScroll(ev)
			}

		case RawActionType:
			r.reduceTypeEvent(ev)

		case RawActionPress:
			if ev.Complete {
				r.reducedActions = append(r.reducedActions, newPressAction(ev))
			} else if ev.Key.Pressed {
				if cont := r.reducePressOpen(ev, idx); cont {
					idx++
					continue
				}
			} else {
				r.reducePressClose(ev)
			}

		case RawActionClick:
			if ev.Key.Pressed {
				if cont := r.reduceClickOpen(ev, idx); cont {
					idx++
					continue
				}
			} else {
				r.reduceClickClose(ev)
			}

		default:
			Logger.Warn().Str("module", "reducer").
				Str("action", ev.Action).
				Msg("unsupported buffer event")
		}

		idx++
	}
}

func (r *Reducer) lastAction() *Action {
	return r.reducedActions[len(r.reducedActions)-1]
}

func (r *Reducer) reduceTypeEvent(ev *BufferEvent) {
	if len(r.reducedActions) == 0 {
		r.reducedActions = append(r.reducedActions, newTypeAction(ev))
		return
	}
	last := r.lastAction()
	switch {
	case last.Kind == ActionTypeKind:
		last.appendTypeEvent(ev)
	case last.Kind == ActionPress && last.isTyping():
		last.Children[0].extendType(newTypeAction(ev))
		last.transform()
	default:
		r.reducedActions = append(r.reducedActions, newTypeAction(ev))
	}
}

// reducePressOpen 修饰键按下, 返回 true 表示提前推进循环
func (r *Reducer) reducePressOpen(ev *BufferEvent, idx int) bool {
	if ev.Matched < 0 {
		exception := newPressAction(ev)
		exception.setExceptionEnd()
		r.reducedActions = append(r.reducedActions, exception)
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("no matched release event for key press")
		return true
	}

	r.rearrangeCrossingEvents(idx, ev)

	if _, open := r.state.activeActions[ev.Key]; !open {
		r.state.activeActions[ev.Key] = len(r.reducedActions)
		r.reducedActions = append(r.reducedActions, newPressAction(ev))
		return false
	}
	// 重复的同键按下, 跳过
	return true
}

// rearrangeCrossingEvents 把跨越当前配对区间闭合的事件提前
// 两阶段: 先扫描出计划, 再逐个移动
func (r *Reducer) rearrangeCrossingEvents(idx int, ev *BufferEvent) {
	matchIdx := ev.Matched
	var plan []int
	for i := idx + 1; i <= matchIdx && i < len(r.eventBuffer); i++ {
		e := r.eventBuffer[i]
		if e.HasMatched && e.Matched >= 0 && e.Matched > matchIdx {
			plan = append(plan, i)
		}
	}
	for _, i := range plan {
		moved := r.eventBuffer[i]
		moved.StartTime = ev.StartTime
		copy(r.eventBuffer[idx+1:i+1], r.eventBuffer[idx:i])
		r.eventBuffer[idx] = moved
		Logger.Warn().Str("module", "reducer").
			Int("idx", idx).
			Str("key", moved.Key.String()).
			Msg("rearranged crossing event")
	}
}

func (r *Reducer) reducePressClose(ev *BufferEvent) {
	startIdx := r.findStartKeyIdx(ev.Key)
	if startIdx < 0 {
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("no start key for press release")
		return
	}

	r.reducedActions[startIdx].setCompleteEvent(ev)
	delete(r.state.activeActions, ev.Key.Complement())

	for i := startIdx + 1; i < len(r.reducedActions); i++ {
		r.reducedActions[startIdx].addChild(r.reducedActions[i])
	}
	r.reducedActions = r.reducedActions[:startIdx+1]
}

// reduceClickOpen 鼠标按下, 返回 true 表示提前推进循环
func (r *Reducer) reduceClickOpen(ev *BufferEvent, idx int) bool {
	if ev.Matched < 0 {
		exception := newClickAction(ev)
		exception.setExceptionEnd()
		r.reducedActions = append(r.reducedActions, exception)
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("no matched release event for mouse press")
		return true
	}

	// 点击与按键释放交错: release 紧跟在中间的 press 后面时交换次序
	matchIdx := ev.Matched
	if matchIdx == idx+2 && idx+2 < len(r.eventBuffer) &&
		r.eventBuffer[idx+1].Action == RawActionPress &&
		r.eventBuffer[idx+1].Key.Pressed {
		Logger.Warn().Str("module", "reducer").
			Int("idx", idx).
			Int("match_idx", matchIdx).
			Msg("rearranging interleaved click release")
		r.eventBuffer[idx+1], r.eventBuffer[idx+2] = r.eventBuffer[idx+2], r.eventBuffer[idx+1]
	}

	// 同键的陈旧按下未闭合, 强制异常闭合
	if staleIdx, open := r.state.activeActions[ev.Key]; open {
		r.reducedActions[staleIdx].setExceptionEnd()
	}
	r.state.activeActions[ev.Key] = len(r.reducedActions)
	r.reducedActions = append(r.reducedActions, newClickAction(ev))
	return false
}

func (r *Reducer) reduceClickClose(ev *BufferEvent) {
	startIdx := r.findStartKeyIdx(ev.Key)
	if startIdx < 0 {
		Logger.Warn().Str("module", "reducer").
			Str("key", ev.Key.String()).
			Msg("no start key for click release")
		return
	}

	delete(r.state.activeActions, ev.Key.Complement())
	cur := newClickAction(ev)
	cur.Complete = true
	r.reducedActions = append(r.reducedActions, cur)

	r.reducedActions[startIdx].setCompleteEvent(ev)
	for i := startIdx + 1; i < len(r.reducedActions); i++ {
		r.reducedActions[startIdx].addChild(r.reducedActions[i])
	}
	r.reducedActions = r.reducedActions[:startIdx+1]

	// 多次点击合并
	mouseStart := r.reducedActions[startIdx]
	lastIdx := r.findLastCloseCompleteIdenticalClick(mouseStart, startIdx)
	if lastIdx < 0 {
		return
	}
	lastClick := r.reducedActions[lastIdx]
	if lastClick.calDistance(mouseStart) >= MultiClickRadiusPx {
		return
	}
	// 最多合并为三连击
	if lastClick.ClickType >= 3 {
		return
	}
	lastClick.ClickType++
	for i := lastIdx + 1; i < len(r.reducedActions); i++ {
		r.reducedActions[i].Vis = false
		lastClick.addChild(r.reducedActions[i])
	}
	r.reducedActions = r.reducedActions[:lastIdx+1]
}

// findStartKeyIdx 反向查找最近的未闭合互补按下动作
func (r *Reducer) findStartKeyIdx(key MatchKey) int {
	target := key.Complement()
	for i := len(r.reducedActions) - 1; i >= 0; i-- {
		if r.reducedActions[i].Key != target {
			continue
		}
		if r.reducedActions[i].Complete {
			Logger.Warn().Str("module", "reducer").
				Str("key", key.String()).
				Msg("key pair match but already completed")
			continue
		}
		return i
	}
	return -1
}

// keyGroupEqual 忽略按下/释放标志的键比较
func keyGroupEqual(a, b MatchKey) bool {
	return a.Kind == b.Kind && a.Button == b.Button &&
		a.DX == b.DX && a.DY == b.DY && a.KeyName == b.KeyName
}

// findLastCloseCompleteIdenticalClick 向前查找可合并的同键完整点击
func (r *Reducer) findLastCloseCompleteIdenticalClick(click *Action, idx int) int {
	if idx == 1 {
		return -1
	}
	for i := idx - 1; i >= 0; i-- {
		prev := r.reducedActions[i]
		if click.StartTime-prev.StartTime >= ClickInterval {
			return -1
		}
		if keyGroupEqual(prev.Key, click.Key) && prev.Complete {
			return i
		}
	}
	return -1
}

// ========================================
// Transform & Finish - 描述生成与收尾
// ========================================

// Transform 逐个转换完整动作, 相邻键入动作合并
func (r *Reducer) Transform() {
	r.completeIdx = 0
	for r.completeIdx < len(r.reducedActions) {
		a := r.reducedActions[r.completeIdx]

		if !a.Complete {
			Logger.Warn().Str("module", "reducer").
				Str("action", a.Kind).
				Msg("dropping incomplete action before transform")
			r.reducedActions = append(
				r.reducedActions[:r.completeIdx],
				r.reducedActions[r.completeIdx+1:]...)
			continue
		}

		if a.Kind == ActionTypeKind {
			if r.completeIdx+1 < len(r.reducedActions) {
				next := r.reducedActions[r.completeIdx+1]
				if next.Kind == ActionTypeKind {
					a.extendType(next)
					r.reducedActions = append(
						r.reducedActions[:r.completeIdx+1],
						r.reducedActions[r.completeIdx+2:]...)
					a.transform()
					continue
				}
				if next.Kind == ActionPress && next.isTyping() {
					a.extendType(next.Children[0])
					r.reducedActions = append(
						r.reducedActions[:r.completeIdx+1],
						r.reducedActions[r.completeIdx+2:]...)
					a.transform()
					continue
				}
				a.transform()
			}
			// 末尾的键入动作留待最终 transform, 可能还会被扩展
		} else {
			a.transform()
		}

		r.completeIdx++
	}

	if len(r.reducedActions) > 0 {
		r.lastAction().transform()
	}
}

// Finish 拖拽轨迹提升、组合键描述补充、未完成尾部嵌套
func (r *Reducer) Finish() {
	for _, a := range r.reducedActions {
		if a.Kind == ActionDrag {
			if len(a.Children) > 0 {
				a.DragTrace = a.Children[0].Trace
				a.DragTimeTrace = a.Children[0].TimeTrace
			}
		} else {
			for _, child := range a.Children {
				if child.Kind == ActionDrag && len(child.Children) > 0 {
					child.DragTrace = child.Children[0].Trace
					child.DragTimeTrace = child.Children[0].TimeTrace
				}
			}
		}

		if a.Kind == ActionLongPress && isComboModifier(a.KeyName) {
			r.decorateComboDescription(a)
		}
	}

	// 最后一个动作未闭合时, 把其后的动作全部嵌入
	if r.completeIdx < len(r.reducedActions) {
		for i := r.completeIdx + 1; i < len(r.reducedActions); i++ {
			r.reducedActions[r.completeIdx].addChild(r.reducedActions[i])
		}
		r.reducedActions = r.reducedActions[:r.completeIdx+1]
	}
}

// isComboModifier ctrl/cmd 系修饰键
func isComboModifier(keyName string) bool {
	switch wrapFuncKey(keyName) {
	case "$ctrl$", "$command$", "$cmd$":
		return true
	}
	return false
}

// decorateComboDescription 为 ctrl/cmd 长按补充组合操作描述
func (r *Reducer) decorateComboDescription(a *Action) {
	if len(a.Children) == 0 {
		return
	}

	last := a.Children[len(a.Children)-1]
	if last.Kind == ActionTypeKind && len(last.KeyNames) == 1 {
		keyName := last.KeyNames[0]
		switch keyName {
		case "c", "v", "x", "C", "V", "X":
			if !strings.Contains(a.Description, "+ "+keyName) {
				a.Description += " + " + keyName
			}
		}
	}

	if len(a.Children) == 1 && a.Children[0].Kind == ActionDrag {
		a.Description += " + drag"
		return
	}

	allClickChildren := 0
	for _, child := range a.Children {
		if child.Kind != ActionClick {
			break
		}
		allClickChildren++
	}
	if allClickChildren > 0 {
		a.Description += fmt.Sprintf(" + %d Clicks", allClickChildren)
	}
}

// ========================================
// Flatten & Dump - 展平与落盘
// ========================================

// FlattenActions 把动作树展平为带深度的线性列表
func (r *Reducer) FlattenActions() {
	var flatten func(a *Action, depth int) []*Action
	flatten = func(a *Action, depth int) []*Action {
		if !a.Vis {
			return nil
		}
		children := a.Children
		a.Children = nil
		a.Depth = depth

		out := []*Action{a}
		for _, child := range children {
			out = append(out, flatten(child, depth+1)...)
		}
		return out
	}

	var flat []*Action
	for _, a := range r.reducedActions {
		flat = append(flat, flatten(a, 0)...)
	}
	r.reducedActions = flat
}

// CompleteDump 写 reduced_events_complete.jsonl
func (r *Reducer) CompleteDump(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	items := make([]interface{}, 0, len(r.reducedActions))
	for _, a := range r.reducedActions {
		items = append(items, a.completeDump())
	}
	return writeJSONL(filepath.Join(dir, "reduced_events_complete.jsonl"), items)
}

// VisDump 写 reduced_events_vis.jsonl
func (r *Reducer) VisDump(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	items := make([]interface{}, 0, len(r.reducedActions))
	for _, a := range r.reducedActions {
		items = append(items, a.visDump())
	}
	return writeJSONL(filepath.Join(dir, "reduced_events_vis.jsonl"), items)
}

// dumpEventBuffer 写 event_buffer.jsonl
func (r *Reducer) dumpEventBuffer() error {
	items := make([]interface{}, 0, len(r.eventBuffer))
	for _, e := range r.eventBuffer {
		items = append(items, e)
	}
	return writeJSONL(filepath.Join(r.recordingPath, "event_buffer.jsonl"), items)
}

// ========================================
// Pipeline - 归约全流程
// ========================================

// ReducePipeline 读取 events.jsonl 并执行完整归约流程
// 归约失败不对外抛出, 记录错误并返回供状态上报
func (r *Reducer) ReducePipeline() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reduce pipeline panic: %v", rec)
			LogError("reducer").Interface("recovered", rec).Msg("reduce pipeline panicked")
		}
	}()

	timer := StartOperation("reducer", "reduce_pipeline")
	events, err := readRawEvents(filepath.Join(r.recordingPath, "events.jsonl"))
	if err != nil {
		timer.EndWithError(err)
		return err
	}

	// 清理上一次归约的产物
	clipsDir := filepath.Join(r.recordingPath, "video_clips")
	if info, statErr := os.Stat(clipsDir); statErr == nil && info.IsDir() {
		os.RemoveAll(clipsDir)
		os.MkdirAll(clipsDir, 0755)
	}
	os.Remove(filepath.Join(r.recordingPath, "reduced_events_vis.jsonl"))
	os.Remove(filepath.Join(r.recordingPath, "reduced_events_complete.jsonl"))

	if err := r.Compress(events); err != nil {
		timer.EndWithError(err)
		return fmt.Errorf("compress failed: %w", err)
	}
	r.ReduceAll()
	r.Transform()
	r.Finish()

	if r.postHook != nil {
		r.postHook(r.reducedActions)
	}

	os.Remove(filepath.Join(r.recordingPath, "event_buffer.jsonl"))
	if err := r.dumpEventBuffer(); err != nil {
		timer.EndWithError(err)
		return err
	}

	if r.cfg.Flatten {
		r.FlattenActions()
	}

	for i, a := range r.reducedActions {
		a.setID(i)
	}

	if r.cfg.GenerateWindowA11y {
		if err := r.MatchAxtree(); err != nil {
			LogWarn("reducer").Err(err).Msg("window tree matching skipped")
		}
	}
	if r.cfg.GenerateElementA11y {
		if err := r.MatchElement(); err != nil {
			LogWarn("reducer").Err(err).Msg("element matching skipped")
		}
	}

	if err := r.CompleteDump(r.recordingPath); err != nil {
		timer.EndWithError(err)
		return err
	}
	if err := r.VisDump(r.recordingPath); err != nil {
		timer.EndWithError(err)
		return err
	}

	if r.video != nil {
		metadata, metaErr := LoadRecordingMetadata(r.recordingPath)
		if metaErr != nil {
			LogWarn("reducer").Err(metaErr).Msg("metadata missing, skipping clip extraction")
		} else {
			time.Sleep(1 * time.Second)
			r.video.ExtractActionClips(r.recordingPath, r.reducedActions, metadata.VideoStartTimestamp)
		}
	}

	timer.AddDetail("action_num", len(r.reducedActions)).End()
	return nil
}
