package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"

	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/pkg/logger"
)

// TransformResult 轉檔輸出的本地路徑
type TransformResult struct {
	OutputPath    string
	ThumbnailPath string
}

// Transformer 外部轉檔操作的能力介面
// 吃一個 input 檔，產出轉檔結果與縮圖，或失敗；實作可替換，pipeline 邏輯不動
type Transformer interface {
	Transform(ctx context.Context, inputPath, workDir, outputName string) (*TransformResult, error)
}

// FFmpegTransformer 以 ffmpeg / ffprobe 實作 Transformer
type FFmpegTransformer struct{}

// NewFFmpegTransformer create a FFmpegTransformer
func NewFFmpegTransformer() *FFmpegTransformer {
	return &FFmpegTransformer{}
}

// Transform 執行轉檔：
// 1. ffprobe 取得影片資訊（失敗僅記錄，不中斷）
// 2. ffmpeg 轉成 720p H.264 + AAC
// 3. ffmpeg 於第 1 秒擷取一張縮圖
func (t *FFmpegTransformer) Transform(ctx context.Context, inputPath, workDir, outputName string) (*TransformResult, error) {
	// 影片資訊僅供記錄
	if info, err := probeVideo(ctx, inputPath); err != nil {
		logger.Log.Warn(fmt.Sprintf("ffprobe 取得影片資訊失敗: %v", err))
	} else {
		logger.Log.Infof("video info:", info)
	}

	outputPath := filepath.Join(workDir, outputName)
	if err := transcodeVideo(ctx, inputPath, outputPath); err != nil {
		return nil, domain.NewTransformError(err)
	}

	thumbnailPath := filepath.Join(workDir, "thumbnail.jpg")
	if err := generateThumbnail(ctx, inputPath, thumbnailPath); err != nil {
		return nil, domain.NewTransformError(err)
	}

	return &TransformResult{
		OutputPath:    outputPath,
		ThumbnailPath: thumbnailPath,
	}, nil
}

// probeVideo 使用 ffprobe 取得影片 metadata
func probeVideo(ctx context.Context, inputPath string) (map[string]interface{}, error) {
	cmdArgs := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}
	cmd := exec.CommandContext(ctx, "ffprobe", cmdArgs...)
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var info map[string]interface{}
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// transcodeVideo 將 inputPath 轉成 720p H.264，輸出到 outputPath
func transcodeVideo(ctx context.Context, inputPath, outputPath string) error {
	cmdArgs := []string{
		"-i", inputPath,
		"-vf", "scale=1280:720",
		"-c:v", "libx264",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-y",
		outputPath,
	}
	logger.Log.Infof("執行 FFmpeg transcode: ffmpeg", cmdArgs)
	cmd := exec.CommandContext(ctx, "ffmpeg", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("FFmpeg transcode 錯誤: %v, output: %s", err, string(output))
	}
	return nil
}

// generateThumbnail 於影片第 1 秒擷取一張縮圖
func generateThumbnail(ctx context.Context, inputPath, thumbnailPath string) error {
	cmdArgs := []string{
		"-i", inputPath,
		"-ss", "00:00:01.000",
		"-vframes", "1",
		"-y",
		thumbnailPath,
	}
	logger.Log.Infof("執行 FFmpeg thumbnail: ffmpeg", cmdArgs)
	cmd := exec.CommandContext(ctx, "ffmpeg", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("FFmpeg thumbnail 錯誤: %v, output: %s", err, string(output))
	}
	return nil
}
