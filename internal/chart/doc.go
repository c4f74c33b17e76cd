// Package chart holds the domain types shared by the acquisition, normalization
// and loading stages of the webtoon chart collector, plus the small interfaces
// those stages depend on.
package chart
