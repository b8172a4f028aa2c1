// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 ConvertFlow 的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 api、converter、engine
等上层模块提供统一的类型契约。

# 核心类型

  - Format            — 受支持的模型格式（fbx、obj、gltf、glb、vrm、bvh），
    含扩展名推断、MIME 类型白名单与格式对校验
  - Error / ErrorCode — 结构化错误体系，错误码决定 HTTP 状态码

# 主要能力

  - 格式解析：ParseFormat / FormatFromFilename / SupportsPair
  - MIME 校验：GuessMIMEType / Format.AcceptsMIME
  - 错误工具链：Errorf / AsError / GetErrorCode / IsErrorCode / StatusForCode
*/
package types
