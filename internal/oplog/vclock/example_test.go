package vclock_test

import (
	"fmt"

	"github.com/localfirst/opsync/internal/oplog/vclock"
)

// Two devices edit offline after sharing one op, then merge.
func Example() {
	base := vclock.Increment(vclock.New(), "laptop")

	laptop := vclock.Increment(base, "laptop")
	phone := vclock.Increment(base, "phone")

	fmt.Println(laptop, phone)
	fmt.Println(vclock.Compare(laptop, phone))

	merged := vclock.Increment(vclock.Merge(laptop, phone), "phone")
	fmt.Println(merged)
	fmt.Println(vclock.Compare(merged, laptop))

	// Output:
	// {laptop:2} {laptop:1, phone:1}
	// CONCURRENT
	// {laptop:2, phone:2}
	// GREATER_THAN
}
