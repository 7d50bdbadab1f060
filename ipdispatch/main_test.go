package ipdispatch

import (
	"testing"

	"go.uber.org/goleak"
)

// 所有测试结束后不允许残留读协程
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
