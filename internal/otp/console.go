package otp

import (
	"context"
	"log"

	"github.com/lvdashuaibi/securevote/internal/model"
)

// ConsoleSender 把验证码打印到日志，开发环境使用
type ConsoleSender struct{}

func (ConsoleSender) SendOTP(ctx context.Context, d *model.OtpDelivery) error {
	log.Printf("[OTP] 选民 %s 的验证码: %s (有效期至 %s)", d.VoterID, d.Code, d.ExpiresAt.Format("15:04:05"))
	return nil
}
