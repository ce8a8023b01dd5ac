package util

import (
	"fmt"
)

func ExampleIntSliceToCSV() {
	fmt.Println(IntSliceToCSV([]int{0, 20, 35}))
	// Output: 0,20,35
}

func ExampleLimiter_Check() {
	l := Limiter{Min: -1, Max: 1}
	fmt.Println(l.Check(0.5), l.Check(2))
	// Output: true false
}
