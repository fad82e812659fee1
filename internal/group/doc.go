// Package group 把若干成员仓库组合成一个虚拟命名空间。
//
// 命名空间模式下请求路径的第一段必须等于成员 ID，请求只转发给该成员；
// 扁平模式下按成员顺序查找，第一个成功者生效。组自身的聚合文件保存在保留前缀
// /.group 之下，由后台任务在成员变化或启动时重新生成，先写入暂存目录，再在
// 元数据写锁内替换上线。
package group
