package logging

import "go.uber.org/zap"

// New builds the process logger: JSON with sampling in production,
// console encoder everywhere else.
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
