// Package telemetry 封装 OpenTelemetry SDK 初始化，并定义 ConvertFlow 各组件
// 的 instrumentation scope（HTTP、转换编排、场景引擎）。
// 遥测禁用时全局 provider 保持 noop，不连接任何外部服务。
package telemetry
