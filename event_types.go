package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ========================================
// Raw Event Types - 原始事件类型
// ========================================

// 归约常量 (单位: 秒 / 像素)
const (
	// ClickInterval 多次点击合并的最大间隔
	ClickInterval = 0.5
	// MouseLongPressInterval 鼠标长按判定阈值
	MouseLongPressInterval = 1.0
	// DragDistancePx 拖拽判定的最小位移
	DragDistancePx = 6.0
	// MultiClickRadiusPx 连击判定的最大半径
	MultiClickRadiusPx = 4.0
	// ClickExceptionDuration 未配对鼠标按下的合成时长
	ClickExceptionDuration = 0.5
	// KeyExceptionDuration 未配对按键按下的合成时长
	KeyExceptionDuration = 0.01
	// ScrollMergeEndPadding 滚动合并后的结束时间补偿
	ScrollMergeEndPadding = 0.2
	// TypeEndPadding 键入事件的结束时间补偿
	TypeEndPadding = 0.2
)

// 原始事件动作类型
const (
	RawActionMove    = "move"
	RawActionClick   = "click"
	RawActionScroll  = "scroll"
	RawActionPress   = "press"
	RawActionRelease = "release"
	RawActionType    = "type" // compressor 产物, 不出现在 events.jsonl
)

// ErrUnsupportedEvent 不支持的事件类型 (整段录制视为损坏)
type ErrUnsupportedEvent struct {
	Action string
}

func (e *ErrUnsupportedEvent) Error() string {
	return fmt.Sprintf("event action %q is not supported", e.Action)
}

// RawEvent events.jsonl 中的一行
// move:    time_stamp, action, x, y
// click:   time_stamp, action, x, y, button, pressed
// scroll:  time_stamp, action, x, y, dx, dy
// press:   time_stamp, action, name
// release: time_stamp, action, name
type RawEvent struct {
	TimeStamp float64 `json:"time_stamp"`
	Action    string  `json:"action"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	DX        int     `json:"dx"`
	DY        int     `json:"dy"`
	Button    string  `json:"button"`
	Pressed   bool    `json:"pressed"`
	Name      string  `json:"name"`
	EventIdx  int     `json:"event_idx"`
}

// MarshalJSON 仅输出该动作类型相关的字段
func (e *RawEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeJSONField(&buf, "time_stamp", e.TimeStamp, true)
	writeJSONField(&buf, "action", e.Action, false)
	switch e.Action {
	case RawActionMove:
		writeJSONField(&buf, "x", e.X, false)
		writeJSONField(&buf, "y", e.Y, false)
	case RawActionClick:
		writeJSONField(&buf, "x", e.X, false)
		writeJSONField(&buf, "y", e.Y, false)
		writeJSONField(&buf, "button", e.Button, false)
		writeJSONField(&buf, "pressed", e.Pressed, false)
	case RawActionScroll:
		writeJSONField(&buf, "x", e.X, false)
		writeJSONField(&buf, "y", e.Y, false)
		writeJSONField(&buf, "dx", e.DX, false)
		writeJSONField(&buf, "dy", e.DY, false)
	case RawActionPress, RawActionRelease:
		writeJSONField(&buf, "name", e.Name, false)
	}
	writeJSONField(&buf, "event_idx", e.EventIdx, false)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeJSONField 按插入顺序写一个字段
func writeJSONField(buf *bytes.Buffer, key string, value interface{}, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	k, _ := json.Marshal(key)
	buf.Write(k)
	buf.WriteByte(':')
	v, err := json.Marshal(value)
	if err != nil {
		buf.WriteString("null")
		return
	}
	buf.Write(v)
}

// ========================================
// Match Key - 事件配对键
// ========================================

// MatchKey 事件配对键, 按下/释放事件通过互补键配对
// move:   (("move",),)
// click:  (("click", button), pressed)
// scroll: (("scroll", (dx, dy)),)
// press:  (("press", name), true/false)
type MatchKey struct {
	Kind       string
	Button     string
	DX, DY     int
	KeyName    string
	Pressed    bool
	HasPressed bool
}

// buildMatchKey 从原始事件构造配对键
func buildMatchKey(e *RawEvent) (MatchKey, error) {
	switch e.Action {
	case RawActionMove:
		return MatchKey{Kind: "move"}, nil
	case RawActionClick:
		return MatchKey{Kind: "click", Button: e.Button, Pressed: e.Pressed, HasPressed: true}, nil
	case RawActionScroll:
		return MatchKey{Kind: "scroll", DX: e.DX, DY: e.DY}, nil
	case RawActionPress:
		return MatchKey{Kind: "press", KeyName: e.Name, Pressed: true, HasPressed: true}, nil
	case RawActionRelease:
		return MatchKey{Kind: "press", KeyName: e.Name, Pressed: false, HasPressed: true}, nil
	default:
		return MatchKey{}, &ErrUnsupportedEvent{Action: e.Action}
	}
}

// Complement 返回按下/释放互补键
func (k MatchKey) Complement() MatchKey {
	c := k
	c.Pressed = !c.Pressed
	return c
}

// MarshalJSON 输出嵌套数组形式, 与归档格式保持一致
func (k MatchKey) MarshalJSON() ([]byte, error) {
	var head []interface{}
	switch k.Kind {
	case "move":
		head = []interface{}{"move"}
	case "click":
		head = []interface{}{"click", k.Button}
	case "scroll":
		head = []interface{}{"scroll", []int{k.DX, k.DY}}
	case "press":
		head = []interface{}{"press", k.KeyName}
	default:
		head = []interface{}{k.Kind}
	}
	if k.HasPressed {
		return json.Marshal([]interface{}{head, k.Pressed})
	}
	return json.Marshal([]interface{}{head})
}

func (k MatchKey) String() string {
	b, _ := k.MarshalJSON()
	return string(b)
}

// ========================================
// Key Tables - 按键分类表
// ========================================

// modifiedKeys 修饰键集合, 按下后进入长按跟踪而不是直接键入
var modifiedKeys = map[string]struct{}{
	"alt": {}, "alt_l": {}, "alt_r": {}, "alt_gr": {}, "altleft": {}, "altright": {},
	"ctrl": {}, "ctrl_l": {}, "ctrl_r": {}, "ctrlleft": {}, "ctrlright": {},
	"shift": {}, "shift_l": {}, "shift_r": {}, "shiftleft": {}, "shiftright": {},
	"cmd": {}, "cmd_l": {}, "cmd_r": {}, "command": {},
	"fn": {}, "windows": {}, "win": {}, "winleft": {}, "winright": {}, "super": {}, "meta": {},
}

// functionalKeys 功能键集合, 描述时包裹 $...$
var functionalKeys = map[string]struct{}{
	"tab": {}, "space": {}, "enter": {}, "return": {}, "esc": {}, "escape": {}, "backspace": {},
	"up": {}, "down": {}, "left": {}, "right": {},
	"caps": {}, "capslock": {}, "num_lock": {}, "numlock": {}, "clear": {}, "convert": {},
	"decimal": {}, "del": {}, "delete": {}, "divide": {}, "end": {},
	"insert": {}, "pagedown": {}, "pageup": {}, "pause": {}, "pgdn": {}, "pgup": {},
	"print_screen": {}, "power": {}, "numpad_lock": {}, "scroll": {},
	"accept": {}, "add": {}, "apps": {}, "execute": {}, "playpause": {}, "prevtrack": {},
	"print": {}, "printscreen": {}, "prntscrn": {},
	"f1": {}, "f2": {}, "f3": {}, "f4": {}, "f5": {}, "f6": {}, "f7": {}, "f8": {}, "f9": {},
	"f10": {}, "f11": {}, "f12": {}, "f13": {}, "f14": {}, "f15": {}, "f16": {}, "f17": {},
	"f18": {}, "f19": {}, "f20": {}, "f21": {}, "f22": {}, "f23": {}, "f24": {},
	"browserstop": {}, "browserforward": {}, "browserhome": {}, "browserrefresh": {},
	"browsersearch": {}, "browserback": {}, "browserfavorites": {},
	"web": {}, "mail": {}, "calculator": {}, "computer": {}, "search": {}, "favorites": {},
	"media_play_pause": {}, "media_volume_mute": {}, "media_volume_down": {},
	"media_volume_up": {}, "media_next": {}, "media_previous": {},
	"volumedown": {}, "volumemute": {}, "volumeup": {}, "yen": {}, "final": {},
	"hanguel": {}, "hangul": {}, "hanja": {}, "help": {}, "home": {},
	"prtsc": {}, "prtscr": {}, "scrolllock": {}, "select": {}, "separator": {}, "sleep": {},
	"stop": {}, "subtract": {},
	"option": {}, "optionleft": {}, "optionright": {}, "menu": {}, "break": {},
	"numpad_divide": {}, "numpad_multiply": {}, "numpad_subtract": {}, "numpad_add": {},
	"numpad_enter": {}, "numpad_decimal": {},
	"junja": {}, "kana": {}, "kanji": {}, "launchapp1": {}, "launchapp2": {}, "launchmail": {},
	"ro": {}, "katakanahiragana": {}, "henkan": {}, "muhenkan": {},
	"num0": {}, "num1": {}, "num2": {}, "num3": {}, "num4": {}, "num5": {}, "num6": {},
	"num7": {}, "num8": {}, "num9": {},
	"launchmediaselect": {}, "modechange": {}, "multiply": {}, "nexttrack": {}, "nonconvert": {},
	"context_menu": {}, "numpad_clear": {}, "numpad_equal": {}, "gamepad": {}, "fn_lock": {},
	"lang1": {}, "lang2": {}, "attn": {}, "crsel": {}, "exsel": {}, "ereof": {}, "play": {},
	"zoom": {}, "pa1": {}, "oem_clear": {},
	"audio_mute": {}, "audio_vol_down": {}, "audio_vol_up": {}, "audio_play": {},
	"audio_stop": {}, "audio_pause": {}, "audio_prev": {}, "audio_next": {},
	"brightness_down": {}, "brightness_up": {}, "abnt_c1": {}, "abnt_c2": {}, "ax": {},
	"numpad_comma": {}, "eject": {},
}

// isModifierKey 判断是否修饰键
func isModifierKey(name string) bool {
	_, ok := modifiedKeys[name]
	return ok
}

// wrapFuncKey 修饰键和功能键包裹 $...$, 普通字符原样返回
// 修饰键只保留下划线前的基础名: shift_l -> $shift$
func wrapFuncKey(key string) string {
	if _, ok := modifiedKeys[key]; ok {
		base, _, _ := strings.Cut(key, "_")
		return "$" + base + "$"
	}
	if _, ok := functionalKeys[key]; ok {
		return "$" + key + "$"
	}
	return key
}

// ========================================
// Buffer Event - 压缩事件
// ========================================

// Coordinate 屏幕坐标
type Coordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TimeSpan 点击的按下/释放时间段
type TimeSpan struct {
	StartTime float64  `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
}

// ScrollSample 单次滚动采样
type ScrollSample struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	DX int     `json:"dx"`
	DY int     `json:"dy"`
}

// BufferEvent event_buffer.jsonl 中的一行, 压缩阶段的产物
// Matched < 0 表示未配对; HasMatched 表示该事件参与配对跟踪
type BufferEvent struct {
	TimeStamp float64
	Action    string
	EventIdx  int
	X, Y      float64
	DX, DY    int
	Button    string
	Pressed   bool
	Name      string

	StartTime  float64
	EndTime    float64
	HasEnd     bool
	Key        MatchKey
	Complete   bool
	Matched    int
	HasMatched bool
	EndIdx     int
	HasEndIdx  bool

	KeyNames    []string
	MoveTrace   [][2]float64
	ScrollTrace []ScrollSample
	TimeTrace   []float64
	PreMove     *BufferEvent
}

// newBufferEvent 原始事件进入压缩缓冲前的初始化
func newBufferEvent(e *RawEvent) (*BufferEvent, error) {
	key, err := buildMatchKey(e)
	if err != nil {
		return nil, err
	}
	return &BufferEvent{
		TimeStamp: e.TimeStamp,
		Action:    e.Action,
		EventIdx:  e.EventIdx,
		X:         e.X,
		Y:         e.Y,
		DX:        e.DX,
		DY:        e.DY,
		Button:    e.Button,
		Pressed:   e.Pressed,
		Name:      e.Name,
		StartTime: e.TimeStamp,
		Key:       key,
		Matched:   -1,
	}, nil
}

// setEnd 设置结束时间
func (b *BufferEvent) setEnd(t float64) {
	b.EndTime = t
	b.HasEnd = true
}

// MarshalJSON 按原始字段 + 压缩字段的顺序输出
func (b *BufferEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeJSONField(&buf, "time_stamp", b.TimeStamp, true)
	writeJSONField(&buf, "action", b.Action, false)
	switch b.Action {
	case RawActionMove:
		writeJSONField(&buf, "x", b.X, false)
		writeJSONField(&buf, "y", b.Y, false)
	case RawActionClick:
		writeJSONField(&buf, "x", b.X, false)
		writeJSONField(&buf, "y", b.Y, false)
		writeJSONField(&buf, "button", b.Button, false)
		writeJSONField(&buf, "pressed", b.Pressed, false)
	case RawActionScroll:
		writeJSONField(&buf, "x", b.X, false)
		writeJSONField(&buf, "y", b.Y, false)
		writeJSONField(&buf, "dx", b.DX, false)
		writeJSONField(&buf, "dy", b.DY, false)
	case RawActionPress, RawActionRelease, RawActionType:
		writeJSONField(&buf, "name", b.Name, false)
	}
	writeJSONField(&buf, "event_idx", b.EventIdx, false)
	writeJSONField(&buf, "start_time", b.StartTime, false)
	if b.HasEnd {
		writeJSONField(&buf, "end_time", b.EndTime, false)
	} else {
		writeJSONField(&buf, "end_time", nil, false)
	}
	writeJSONField(&buf, "key", b.Key, false)
	writeJSONField(&buf, "complete", b.Complete, false)
	if b.MoveTrace != nil {
		writeJSONField(&buf, "trace", b.MoveTrace, false)
	}
	if b.ScrollTrace != nil {
		writeJSONField(&buf, "trace", b.ScrollTrace, false)
	}
	if b.TimeTrace != nil {
		writeJSONField(&buf, "time_trace", b.TimeTrace, false)
	}
	if b.KeyNames != nil {
		writeJSONField(&buf, "key_names", b.KeyNames, false)
	}
	if b.HasMatched {
		if b.Matched >= 0 {
			writeJSONField(&buf, "matched", b.Matched, false)
		} else {
			writeJSONField(&buf, "matched", nil, false)
		}
	}
	if b.HasEndIdx {
		writeJSONField(&buf, "end_idx", b.EndIdx, false)
	}
	if b.PreMove != nil {
		writeJSONField(&buf, "pre_move", b.PreMove, false)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
