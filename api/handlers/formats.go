package handlers

import (
	"net/http"

	"github.com/BaSui01/convertflow/types"
)

// FormatInfo 描述一种支持的格式
type FormatInfo struct {
	Name          string   `json:"name"`
	MIMEType      string   `json:"mime_type"`
	MIMETypes     []string `json:"accepted_mime_types"`
	AnimationOnly bool     `json:"animation_only,omitempty"`
	Targets       []string `json:"targets"`
}

// FormatList 格式列表响应
type FormatList struct {
	Formats []FormatInfo `json:"formats"`
}

// HandleFormats 处理 GET /api/v1/formats
// @Summary 支持的格式
// @Tags 转换
// @Produce json
// @Success 200 {object} FormatList
// @Router /api/v1/formats [get]
func HandleFormats(w http.ResponseWriter, _ *http.Request) {
	all := types.SupportedFormats()
	list := FormatList{Formats: make([]FormatInfo, 0, len(all))}
	for _, f := range all {
		info := FormatInfo{
			Name:          f.String(),
			MIMEType:      f.MIMEType(),
			MIMETypes:     f.MIMETypes(),
			AnimationOnly: f.AnimationOnly(),
			Targets:       make([]string, 0, len(all)-1),
		}
		for _, out := range all {
			if types.SupportsPair(f, out) {
				info.Targets = append(info.Targets, out.String())
			}
		}
		list.Formats = append(list.Formats, info)
	}
	WriteJSON(w, http.StatusOK, list)
}
