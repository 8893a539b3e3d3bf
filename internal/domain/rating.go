package domain

import "math"

// SummarizeRatings returns the mean rating rounded to two decimals and the number of ratings.
func SummarizeRatings(ratings []int) (float64, int) {
	if len(ratings) == 0 {
		return 0, 0
	}
	var sum int
	for _, rating := range ratings {
		sum += rating
	}
	avg := float64(sum) / float64(len(ratings))
	return math.Round(avg*100) / 100, len(ratings)
}
