// 版权所有 2024 ConvertFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 ConvertFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor
  - 上传构造: MultipartFile / NewUploadRequest，按真实客户端的字段顺序
    构造 multipart 请求
  - 文件工具: WriteFile / DecodeJSON

# 子包

  - testutil/mocks: FakeEngine，可编程的场景引擎替身，支持错误与 panic
    注入、阻塞调用以及调用次数和最大并发度记录
  - testutil/fixtures: 各模型格式的最小样例内容

# 使用示例

	eng := mocks.NewFakeEngine().WithActions(1)
	r := testutil.NewUploadRequest(t, "/convert?output_format=bvh",
		fixtures.Filename(types.FormatFBX), fixtures.Sample(types.FormatFBX))
*/
package testutil
