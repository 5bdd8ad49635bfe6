package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"
)

// ========================================
// Plugin Manager - 归约后处理脚本
// ========================================

// 插件是 JS 脚本, 在归约完成后对每个可见动作执行一次:
//
//   var plugin = {
//       kinds: ["click", "drag"],          // 可选, 只处理这些动作类型
//       onInit: function(ctx) {},          // 可选
//       onAction: function(action, ctx) {
//           return { description: "..." }  // 可选, 覆盖动作描述
//       }
//   }

const pluginTimeout = 5 * time.Second

// Plugin 已加载的脚本实例
type Plugin struct {
	ID      string
	Path    string
	Enabled bool

	kinds map[string]struct{}
	State map[string]interface{}

	VM           *goja.Runtime
	OnActionFunc goja.Callable
	OnInitFunc   goja.Callable

	// goja.Runtime 不是线程安全的, VM 访问必须串行
	mu sync.Mutex
}

// PluginResult 脚本对单个动作的修改
type PluginResult struct {
	Description string `json:"description"`
	Hidden      bool   `json:"hidden"`
}

// PluginManager 插件管理器
type PluginManager struct {
	dir     string
	plugins map[string]*Plugin
	mu      sync.RWMutex
}

// NewPluginManager 创建插件管理器, dir 是脚本目录
func NewPluginManager(dir string) *PluginManager {
	return &PluginManager{
		dir:     dir,
		plugins: make(map[string]*Plugin),
	}
}

// LoadAllPlugins 加载脚本目录下的全部 *.js
func (pm *PluginManager) LoadAllPlugins() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(pm.dir, "*.js"))
	if err != nil {
		return err
	}

	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), ".js")
		if err := pm.loadPluginLocked(id, path); err != nil {
			LogWarn("plugin").Err(err).Str("plugin", id).Msg("Failed to load plugin")
			continue
		}
		LogInfo("plugin").Str("plugin", id).Msg("Plugin loaded")
	}
	return nil
}

// loadPluginLocked 加载单个脚本 (需持有锁)
func (pm *PluginManager) loadPluginLocked(id, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	vm := goja.New()
	plugin := &Plugin{
		ID:      id,
		Path:    path,
		Enabled: true,
		State:   make(map[string]interface{}),
	}

	if err := injectHelpers(vm); err != nil {
		return fmt.Errorf("failed to inject helpers: %w", err)
	}

	if _, err := vm.RunString(string(code)); err != nil {
		return fmt.Errorf("script failed: %w", err)
	}

	pluginObj := vm.Get("plugin")
	if pluginObj == nil || goja.IsUndefined(pluginObj) {
		return fmt.Errorf("no plugin object defined")
	}
	obj := pluginObj.ToObject(vm)

	onActionVal := obj.Get("onAction")
	if onActionVal == nil || goja.IsUndefined(onActionVal) {
		return fmt.Errorf("no onAction function defined")
	}
	onActionFunc, ok := goja.AssertFunction(onActionVal)
	if !ok {
		return fmt.Errorf("onAction is not a function")
	}
	plugin.OnActionFunc = onActionFunc

	if onInitVal := obj.Get("onInit"); onInitVal != nil && !goja.IsUndefined(onInitVal) {
		plugin.OnInitFunc, _ = goja.AssertFunction(onInitVal)
	}

	// kinds 过滤列表
	if kindsVal := obj.Get("kinds"); kindsVal != nil && !goja.IsUndefined(kindsVal) {
		var kinds []string
		if err := vm.ExportTo(kindsVal, &kinds); err == nil && len(kinds) > 0 {
			plugin.kinds = make(map[string]struct{}, len(kinds))
			for _, k := range kinds {
				plugin.kinds[k] = struct{}{}
			}
		}
	}

	plugin.VM = vm

	if plugin.OnInitFunc != nil {
		ctx := createPluginContext(vm, plugin)
		if _, err := plugin.OnInitFunc(goja.Undefined(), ctx); err != nil {
			LogWarn("plugin").Err(err).Str("plugin", id).Msg("onInit failed")
		}
	}

	pm.plugins[id] = plugin
	return nil
}

// UnloadPlugin 卸载插件
func (pm *PluginManager) UnloadPlugin(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	plugin, exists := pm.plugins[id]
	if !exists {
		return fmt.Errorf("plugin not found: %s", id)
	}

	plugin.mu.Lock()
	plugin.VM = nil
	plugin.OnActionFunc = nil
	plugin.OnInitFunc = nil
	plugin.State = nil
	plugin.mu.Unlock()

	delete(pm.plugins, id)
	return nil
}

// ListPlugins 列出已加载插件的 id
func (pm *PluginManager) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	ids := make([]string, 0, len(pm.plugins))
	for id := range pm.plugins {
		ids = append(ids, id)
	}
	return ids
}

// ========================================
// 动作处理
// ========================================

// ProcessActions 对归约结果跑一遍所有插件, 就地修改动作
func (pm *PluginManager) ProcessActions(recordingID string, actions []*Action) {
	pm.mu.RLock()
	var eligible []*Plugin
	for _, plugin := range pm.plugins {
		if plugin.Enabled {
			eligible = append(eligible, plugin)
		}
	}
	pm.mu.RUnlock()

	if len(eligible) == 0 {
		return
	}

	var walk func(list []*Action)
	walk = func(list []*Action) {
		for _, a := range list {
			if a.Vis {
				for _, plugin := range eligible {
					pm.applyPlugin(plugin, recordingID, a)
				}
			}
			walk(a.Children)
		}
	}
	walk(actions)
}

// applyPlugin 对单个动作执行插件, 失败只记日志
func (pm *PluginManager) applyPlugin(plugin *Plugin, recordingID string, action *Action) {
	if plugin.kinds != nil {
		if _, ok := plugin.kinds[action.Kind]; !ok {
			return
		}
	}

	result, err := pm.executePlugin(plugin, recordingID, action)
	if err != nil {
		LogWarn("plugin").Err(err).Str("plugin", plugin.ID).Msg("onAction failed")
		return
	}
	if result == nil {
		return
	}

	if result.Description != "" {
		action.setDescription(result.Description)
	}
	if result.Hidden {
		action.Vis = false
	}
}

// executePlugin 执行单个插件 (带超时保护和并发安全)
func (pm *PluginManager) executePlugin(plugin *Plugin, recordingID string, action *Action) (*PluginResult, error) {
	resultChan := make(chan *PluginResult, 1)
	errorChan := make(chan error, 1)

	go func() {
		// panic recovery: 防止 VM 内部 panic 挂掉归约流程
		defer func() {
			if r := recover(); r != nil {
				errorChan <- fmt.Errorf("plugin VM panic: %v", r)
			}
		}()

		plugin.mu.Lock()
		defer plugin.mu.Unlock()

		if plugin.VM == nil || plugin.OnActionFunc == nil {
			errorChan <- fmt.Errorf("plugin %s has been unloaded", plugin.ID)
			return
		}

		// 清除上次超时可能残留的 interrupt 状态
		plugin.VM.ClearInterrupt()

		ctx := createPluginContext(plugin.VM, plugin)
		ctx.ToObject(plugin.VM).Set("recordingID", recordingID)

		// 动作经 JSON 转 map, 脚本拿到的字段和落盘格式一致
		dumpBytes, err := json.Marshal(action.visDump())
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal action: %w", err)
			return
		}
		var actionForPlugin map[string]interface{}
		if err := json.Unmarshal(dumpBytes, &actionForPlugin); err != nil {
			errorChan <- err
			return
		}
		actionObj := plugin.VM.ToValue(actionForPlugin)

		resultVal, err := plugin.OnActionFunc(goja.Undefined(), actionObj, ctx)
		if err != nil {
			errorChan <- err
			return
		}

		result := &PluginResult{}
		if resultVal != nil && !goja.IsUndefined(resultVal) && !goja.IsNull(resultVal) {
			jsonBytes, err := json.Marshal(resultVal.Export())
			if err != nil {
				errorChan <- fmt.Errorf("failed to serialize plugin result: %w", err)
				return
			}
			if err := json.Unmarshal(jsonBytes, result); err != nil {
				errorChan <- fmt.Errorf("failed to parse plugin result: %w", err)
				return
			}
		}
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-time.After(pluginTimeout):
		// Interrupt 是线程安全的, 可以在不持有锁时调用
		if plugin.VM != nil {
			plugin.VM.Interrupt("timeout")
		}
		return nil, fmt.Errorf("plugin timed out (>%v)", pluginTimeout)
	}
}

// ========================================
// 辅助函数注入
// ========================================

// injectHelpers 注入辅助函数到 VM 全局
func injectHelpers(vm *goja.Runtime) error {
	// matchRegex: 正则匹配, 返回捕获组或 null
	vm.Set("matchRegex", func(regexStr, text string) interface{} {
		re, err := regexp.Compile(regexStr)
		if err != nil {
			return nil
		}
		matches := re.FindStringSubmatch(text)
		if matches == nil {
			return nil
		}
		return matches
	})

	// jsonPath: JSON Path 查询
	vm.Set("jsonPath", func(obj interface{}, path string) interface{} {
		jsonBytes, err := json.Marshal(obj)
		if err != nil {
			return nil
		}
		result := gjson.GetBytes(jsonBytes, path)
		if !result.Exists() {
			return nil
		}
		return result.Value()
	})

	// formatTime: 事件时间戳 (秒) 格式化
	vm.Set("formatTime", func(timestamp float64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(int64(timestamp), 0).Format(format)
	})

	return nil
}

// createPluginContext 创建脚本上下文
func createPluginContext(vm *goja.Runtime, plugin *Plugin) goja.Value {
	context := vm.NewObject()

	context.Set("pluginID", plugin.ID)
	context.Set("state", plugin.State)

	context.Set("log", func(message string, level ...string) {
		lvl := "info"
		if len(level) > 0 && level[0] != "" {
			lvl = level[0]
		}
		LogInfo("plugin").Str("plugin", plugin.ID).Str("level", lvl).Msg(message)
	})

	context.Set("setState", func(key string, value interface{}) {
		plugin.State[key] = value
	})
	context.Set("getState", func(key string) interface{} {
		return plugin.State[key]
	})

	return context
}
