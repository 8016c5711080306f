package usecase

import (
	"strconv"
)

var verhoeffD = [10][10]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
	{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
	{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
	{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
	{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
	{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
	{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
	{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
	{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
}

var verhoeffP = [8][10]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
	{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
	{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
	{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
	{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
	{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
	{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
}

var verhoeffInv = [10]int{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}

// VerhoeffDigit 計算 Verhoeff 檢查碼
func VerhoeffDigit(digits string) int {
	c := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		c = verhoeffD[c][verhoeffP[(i+1)%8][n]]
	}
	return verhoeffInv[c]
}

// VerhoeffValid 驗證結尾含檢查碼的數字字串
func VerhoeffValid(digits string) bool {
	c := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		c = verhoeffD[c][verhoeffP[i%8][n]]
	}
	return c == 0
}

// ReferenceID 終端機用的 reference id: R + S/P + 年份後兩碼 + 遞增序號 + 檢查碼
//
// 需要讓人可以在終端機上手動輸入，所以只用數字與固定前綴。
func ReferenceID(devBox bool, eventYear string, incrID int64) string {
	server := "P"
	if devBox {
		server = "S"
	}
	year := eventYear
	if len(year) > 2 {
		year = year[2:]
	}
	id := strconv.FormatInt(incrID, 10)
	return "R" + server + year + id + strconv.Itoa(VerhoeffDigit(id))
}
