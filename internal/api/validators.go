package api

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/0gfoundation/0g-invoice-guard/internal/validate"
)

var registerOnce sync.Once

// registerValidators adds the evmaddr and txhash tags to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("evmaddr", func(fl validator.FieldLevel) bool {
			return validate.IsAddress(fl.Field().String())
		})
		_ = v.RegisterValidation("txhash", func(fl validator.FieldLevel) bool {
			return validate.IsTxID(fl.Field().String())
		})
	})
}
