// Package listparse 把用户上传的原始清单文本切分为 (卡牌名, 数量) 条目。
//
// 输入契约很宽松：每行一张卡，行尾的连续数字是数量，没有数字按 1 计。
// 显式写 0 的数量同样归一化为 1（策略见 DESIGN.md），重复名称合并时数量相加。
package listparse

import (
	"strings"
	"unicode"
)

// Entry 是一行输入解析出的卡牌名与数量。
type Entry struct {
	Name     string
	Quantity int
}

// ParseLine 解析单行输入。
//
// 从行尾向前收集连续数字作为数量，剩余部分去掉首尾的空白和分号
// 即为卡牌名。空行或只有数字的行返回空名称。
func ParseLine(line string) Entry {
	line = strings.TrimRight(line, " \t\r")

	end := len(line)
	for end > 0 && unicode.IsDigit(rune(line[end-1])) {
		end--
	}

	qty := 1
	if end < len(line) {
		n := 0
		for _, r := range line[end:] {
			n = n*10 + int(r-'0')
		}
		if n > 0 {
			qty = n
		}
	}

	name := strings.Trim(line[:end], " \t\r;")
	return Entry{Name: name, Quantity: qty}
}

// Parse 解析整段清单文本并合并重复名称。
//
// 名称比较大小写不敏感，保留首次出现的写法和顺序；
// 重复行的数量累加。空行被跳过。
func Parse(text string) []Entry {
	var entries []Entry
	index := map[string]int{}

	for _, line := range strings.Split(text, "\n") {
		e := ParseLine(line)
		if e.Name == "" {
			continue
		}

		key := strings.ToLower(e.Name)
		if i, ok := index[key]; ok {
			entries[i].Quantity += e.Quantity
			continue
		}

		index[key] = len(entries)
		entries = append(entries, e)
	}

	return entries
}
