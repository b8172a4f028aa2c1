// =============================================================================
// 📦 测试数据工厂 - 模型文件
// =============================================================================
// 提供各格式的最小样例内容。它们只需要让扩展名与内容看起来可信，
// 测试中的场景引擎替身不会真正解析它们。
// =============================================================================
package fixtures

import (
	"fmt"

	"github.com/BaSui01/convertflow/types"
)

// OBJCube 单位立方体（仅顶点与面）
const OBJCube = `o Cube
v -1 -1 -1
v 1 -1 -1
v 1 1 -1
v -1 1 -1
f 1 2 3 4
`

// GLTFMinimal 只有一个空场景的 glTF 文档
const GLTFMinimal = `{"asset":{"version":"2.0"},"scenes":[{"nodes":[]}],"scene":0}`

// BVHSkeleton 单关节、单帧的动作捕捉文件
const BVHSkeleton = `HIERARCHY
ROOT Hips
{
	OFFSET 0 0 0
	CHANNELS 3 Xposition Yposition Zposition
	End Site
	{
		OFFSET 0 1 0
	}
}
MOTION
Frames: 1
Frame Time: 0.033333
0 0 0
`

// fbxMagic 是二进制 FBX 的文件头
var fbxMagic = []byte("Kaydara FBX Binary  \x00\x1a\x00")

// glbHeader 是 GLB 容器头：magic、version 2、总长度 12
var glbHeader = []byte{'g', 'l', 'T', 'F', 2, 0, 0, 0, 12, 0, 0, 0}

// Sample 返回指定格式的样例内容
func Sample(f types.Format) []byte {
	switch f {
	case types.FormatOBJ:
		return []byte(OBJCube)
	case types.FormatGLTF:
		return []byte(GLTFMinimal)
	case types.FormatBVH:
		return []byte(BVHSkeleton)
	case types.FormatFBX:
		return append([]byte(nil), fbxMagic...)
	case types.FormatGLB, types.FormatVRM:
		return append([]byte(nil), glbHeader...)
	default:
		panic(fmt.Sprintf("fixtures: no sample for format %q", f))
	}
}

// Filename 返回带正确扩展名的样例文件名
func Filename(f types.Format) string {
	return "model." + string(f)
}
