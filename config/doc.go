// Package config 定义 dagflow 的配置结构并负责加载与运行时更新。
//
// Loader 叠加默认值、YAML 文件与 DAGFLOW_ 前缀的环境变量（EnvVars 列出全部可用变量）。
// HotReloadManager 借助 FileWatcher 轮询配置文件，只把无需重启的字段（日志级别、限流）
// 推送给回调，并保留可回滚的历史；ConfigAPIHandler 通过 /api/v1/config 暴露这些操作。
package config
