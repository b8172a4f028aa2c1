// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 engine 定义场景引擎（Scene Engine）的抽象。

场景引擎是外部的无头 3D 内容应用，负责实际的格式导入与导出。
它持有进程级的全局可变场景状态，且不可重入：同一时刻只能有一次
转换在其上运行，每次导入之前都必须显式重置。

# 核心类型

  - SceneEngine：Reset / Import / Export / Stats / Close。
  - Stats：场景内对象、网格、材质、纹理、图像、动作、骨架数量，
    用于前置条件检查与故障取证日志。
  - Error：引擎自身报告的失败（区别于进程崩溃、上下文取消等传输层错误）。

实现位于子包 blender；测试替身位于 testutil/mocks。
*/
package engine
